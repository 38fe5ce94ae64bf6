package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scripted is a Generator that replays a fixed sequence of steps. Engine
// tests use it to drive exact verdict sequences through the pipeline.
type Scripted struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls int
	// Requests records every request received, in order.
	Requests []*Request
}

// ScriptStep is one canned provider interaction: either a response text or
// an error.
type ScriptStep struct {
	Text string
	Err  error
}

func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

var _ Generator = (*Scripted)(nil)

// Calls returns how many times the provider has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) next(req *Request) (ScriptStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.calls >= len(s.steps) {
		return ScriptStep{}, fmt.Errorf("scripted provider exhausted after %d calls", s.calls)
	}
	step := s.steps[s.calls]
	s.calls++
	return step, nil
}

func (s *Scripted) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Text: step.Text, Usage: fakeUsage(req, step.Text)}, nil
}

func (s *Scripted) GenerateStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	step, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	for _, chunk := range splitChunks(step.Text, 16) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fn != nil {
			if err := fn(chunk); err != nil {
				return nil, err
			}
		}
	}
	return &Response{Text: step.Text, Usage: fakeUsage(req, step.Text)}, nil
}

// Canned is a Generator producing deterministic placeholder prose; the
// default backend when no real provider is configured.
type Canned struct{}

var _ Generator = (*Canned)(nil)

func (Canned) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := cannedText(req)
	return &Response{Text: text, Usage: fakeUsage(req, text)}, nil
}

func (Canned) GenerateStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	text := cannedText(req)
	for _, chunk := range splitChunks(text, 16) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if fn != nil {
			if err := fn(chunk); err != nil {
				return nil, err
			}
		}
		time.Sleep(time.Millisecond)
	}
	return &Response{Text: text, Usage: fakeUsage(req, text)}, nil
}

func cannedText(req *Request) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	if len(last) > 80 {
		last = last[:80]
	}
	return fmt.Sprintf("[canned] response to: %s", last)
}

func fakeUsage(req *Request, text string) *Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(text) / 4
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func splitChunks(s string, size int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}
