// Package provider defines the seam to the external text-generation
// capability. The engine is provider-agnostic: which model answers is
// deployment configuration, not pipeline logic.
package provider

import (
	"context"
	"errors"
)

// ErrUnavailable is surfaced when the circuit breaker denies a call. It is
// distinguishable from every other failure kind so the worker layer can
// defer the run with backoff instead of failing it.
var ErrUnavailable = errors.New("generation provider temporarily unavailable")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// StreamFunc receives each token delta. Returning an error stops consumption
// of the in-flight stream.
type StreamFunc func(delta string) error

// Generator is the generation capability the engine drives.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	// GenerateStream calls fn for each delta and returns the assembled
	// response. Implementations must honor ctx cancellation mid-stream.
	GenerateStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error)
}
