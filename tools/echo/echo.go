// Package echo implements the minimal Tool used to exercise the executor
// without any side effects (spec scenario S1).
package echo

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool returns its single "text" argument verbatim.
type Tool struct{}

// New creates an echo Tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string        { return "echo" }
func (t *Tool) Description() string { return "Echo back the given text. Useful for testing the tool pipeline." }

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

// RequiresApproval is false: echo has no side effects.
func (t *Tool) RequiresApproval() bool { return false }

func (t *Tool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	return params.Text, nil
}
