package worker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Sum adds up a JSON array of numbers. It is the reference workload for the
// "sum" queue type.
func Sum(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var nums []float64
	if err := json.Unmarshal(params, &nums); err != nil {
		return nil, fmt.Errorf("sum: params must be an array of numbers: %w", err)
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return json.Marshal(total)
}

// Echo returns its params unchanged.
func Echo(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage("null"), nil
	}
	return params, nil
}

// Builtins maps queue types to the handlers shipped with batchq.
func Builtins() map[string]Handler {
	return map[string]Handler{
		"sum":  Sum,
		"echo": Echo,
	}
}
