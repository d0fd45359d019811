package skillagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyLLM fails with the scripted errors first, then succeeds.
type flakyLLM struct {
	mu       sync.Mutex
	failures []error
	attempts int
	resp     LLMResponse
}

func (f *flakyLLM) Name() string { return "flaky" }

func (f *flakyLLM) Generate(context.Context, GenerateRequest) (LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return LLMResponse{}, err
	}
	return f.resp, nil
}

func (f *flakyLLM) GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- LLMStreamEvent) (LLMResponse, error) {
	defer close(ch)
	resp, err := f.Generate(ctx, req)
	if err != nil {
		return LLMResponse{}, err
	}
	ch <- LLMStreamEvent{Type: LLMEventContentDelta, Delta: resp.Content}
	ch <- LLMStreamEvent{Type: LLMEventDone, Response: &resp}
	return resp, nil
}

func (f *flakyLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &flakyLLM{
		failures: []error{&ErrHTTP{Status: 429, Body: "rate limited"}},
		resp:     LLMResponse{Content: "finally"},
	}
	client := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := client.Generate(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("content = %q", resp.Content)
	}
	if inner.count() != 2 {
		t.Errorf("attempts = %d, want 2", inner.count())
	}
}

func TestRetryNonTransientPassthrough(t *testing.T) {
	inner := &flakyLLM{failures: []error{&ErrHTTP{Status: 401, Body: "bad key"}}}
	client := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), GenerateRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Fatalf("error = %v", err)
	}
	if inner.count() != 1 {
		t.Errorf("attempts = %d, want 1", inner.count())
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &flakyLLM{failures: []error{
		&ErrHTTP{Status: 503, Body: "down"},
		&ErrHTTP{Status: 503, Body: "down"},
		&ErrHTTP{Status: 503, Body: "down"},
	}}
	client := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), GenerateRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("error = %v", err)
	}
	if inner.count() != 3 {
		t.Errorf("attempts = %d, want 3", inner.count())
	}
}

func TestRetryStreamRetriesBeforeFirstEvent(t *testing.T) {
	inner := &flakyLLM{
		failures: []error{&ErrHTTP{Status: 429, Body: "slow down"}},
		resp:     LLMResponse{Content: "streamed"},
	}
	client := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan LLMStreamEvent, 16)
	resp, err := client.GenerateStream(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if resp.Content != "streamed" {
		t.Errorf("content = %q", resp.Content)
	}
	if inner.count() != 2 {
		t.Errorf("attempts = %d, want 2", inner.count())
	}

	var events []LLMStreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	// No duplicate deltas from the failed attempt.
	var deltas int
	for _, ev := range events {
		if ev.Type == LLMEventContentDelta {
			deltas++
		}
	}
	if deltas != 1 {
		t.Errorf("content deltas = %d, want 1", deltas)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 30 * time.Second}
	if d := retryDelay(time.Millisecond, 0, err); d < 30*time.Second {
		t.Errorf("delay = %v, want >= Retry-After", d)
	}
	// Without Retry-After the exponential floor applies.
	if d := retryDelay(time.Second, 1, &ErrHTTP{Status: 429}); d < 2*time.Second {
		t.Errorf("delay = %v, want >= 2s backoff", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("15"); d != 15*time.Second {
		t.Errorf("delta-seconds = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("garbage = %v", d)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	inner := &flakyLLM{failures: []error{
		&ErrHTTP{Status: 429},
		&ErrHTTP{Status: 429},
	}}
	client := WithRetry(inner, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Generate(ctx, GenerateRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if inner.count() != 1 {
		t.Errorf("attempts = %d, want 1", inner.count())
	}
}
