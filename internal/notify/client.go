// ABOUTME: Constructs the HTTP client used for completion callbacks.
// ABOUTME: Production uses doyensec/safeurl with redirect following disabled.
package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// BuildSafeClient returns an SSRF-safe *http.Client for callback delivery.
// Redirect following is disabled.
func BuildSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(noRedirect).
		Build()
	return safeurl.Client(cfg).Client
}

// BuildClient returns the safeurl client, or a plain redirect-disabled client
// when allowPrivate is set (local development against private addresses).
func BuildClient(timeout time.Duration, allowPrivate bool) *http.Client {
	if !allowPrivate {
		return BuildSafeClient(timeout)
	}
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: noRedirect,
	}
}
