// Package invoker models the Model Invoker: a pluggable capability that,
// given a model id and prompt, returns generated text plus usage metrics.
// No concrete upstream API client ships here; this
// package gives it the interface the Runner (dialogue generation), the
// Judge (LLM-assisted rubric scoring), and the Runner's optional
// model-backed student strategy all call through.
package invoker

import (
	"context"
	"time"
)

// Response is what the Model Invoker returns for one prompt.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// ModelInvoker is the external collaborator every component that needs
// generated text calls through.
type ModelInvoker interface {
	Invoke(ctx context.Context, modelID string, prompt string, parameters map[string]interface{}) (Response, error)
}
