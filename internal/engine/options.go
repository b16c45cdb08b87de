package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
)

// MaxLease bounds expiryTime so the lease fits in a time.Duration and in a
// Postgres timestamp once added to now().
const MaxLease = 30 * 24 * time.Hour

// Options are the recognized queue and submission options.
type Options struct {
	// ExpiryTime is the lease duration in milliseconds.
	ExpiryTime *int64 `json:"expiryTime,omitempty"`
	// Callback is the URL that receives the results once the queue drains.
	Callback string `json:"callback,omitempty"`
}

// DecodeOptions parses a JSON options object, rejecting unknown keys.
// Empty input and JSON null yield zero Options.
func DecodeOptions(raw json.RawMessage) (Options, error) {
	var o Options
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return o, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return Options{}, invalid("options", err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Options{}, invalid("options", "trailing data after object")
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks option values.
func (o Options) Validate() error {
	if o.ExpiryTime != nil {
		if *o.ExpiryTime <= 0 {
			return invalid("options.expiryTime", "must be a positive number of milliseconds")
		}
		if *o.ExpiryTime > MaxLease.Milliseconds() {
			return invalid("options.expiryTime", fmt.Sprintf("must not exceed %d milliseconds", MaxLease.Milliseconds()))
		}
	}
	if o.Callback != "" {
		u, err := url.Parse(o.Callback)
		if err != nil {
			return invalid("options.callback", err.Error())
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("options.callback", fmt.Sprintf("%q is not an absolute http(s) URL", o.Callback))
		}
	}
	return nil
}

// Lease returns the configured lease duration, or ok=false when unset.
func (o Options) Lease() (time.Duration, bool) {
	if o.ExpiryTime == nil {
		return 0, false
	}
	return time.Duration(*o.ExpiryTime) * time.Millisecond, true
}

func (o Options) encode() (json.RawMessage, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return b, nil
}
