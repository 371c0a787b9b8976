package recall

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/pkg/dispatch"
)

type fakeCaller struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func (f *fakeCaller) Call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.results[name], nil
}

func (f *fakeCaller) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []observability.AuditEvent
}

func (r *recordingSink) Append(ctx context.Context, event observability.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) all() []observability.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observability.AuditEvent(nil), r.events...)
}

func enabledRequest(message string) Request {
	return Request{
		UserMessage:   message,
		MemoryEnabled: true,
		ProfileID:     "default",
		Timeout:       time.Second,
	}
}

func TestFetch(t *testing.T) {
	t.Run("should skip immediately when memory disabled", func(t *testing.T) {
		caller := &fakeCaller{}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), Request{MemoryEnabled: false})

		assert.True(t, result.Provenance.Skipped)
		assert.Empty(t, result.PackText)
		assert.Empty(t, caller.called())
	})

	t.Run("should fetch through the canonical tool name", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{
			CanonicalToolName: `{"pack":"remember the bakery","counts":{"facts":2}}`,
		}}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), enabledRequest("tell me about my week"))

		require.NoError(t, result.Err)
		assert.Equal(t, "remember the bakery", result.PackText)
		assert.Equal(t, CanonicalToolName, result.Provenance.ToolName)
		assert.Equal(t, []string{CanonicalToolName}, caller.called())
	})

	t.Run("should retry under the alias when canonical name is unknown", func(t *testing.T) {
		caller := &fakeCaller{
			errs:    map[string]error{CanonicalToolName: &dispatch.ToolNotFoundError{Tool: CanonicalToolName}},
			results: map[string]string{AliasToolName: `{"pack":"alias pack"}`},
		}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), enabledRequest("what do you remember about me"))

		require.NoError(t, result.Err)
		assert.Equal(t, "alias pack", result.PackText)
		assert.Equal(t, AliasToolName, result.Provenance.ToolName)
		assert.Equal(t, []string{CanonicalToolName, AliasToolName}, caller.called())
	})

	t.Run("should not retry on other failures", func(t *testing.T) {
		caller := &fakeCaller{
			errs: map[string]error{CanonicalToolName: fmt.Errorf("index locked")},
		}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), enabledRequest("anything"))

		require.Error(t, result.Err)
		assert.Contains(t, result.Err.Error(), "index locked")
		assert.Equal(t, []string{CanonicalToolName}, caller.called())
	})

	t.Run("should report timeout when budget elapses first", func(t *testing.T) {
		caller := &fakeCaller{
			delay:   500 * time.Millisecond,
			results: map[string]string{CanonicalToolName: `{"pack":"too late"}`},
		}
		p := New(caller, nil)

		req := enabledRequest("anything")
		req.Timeout = 20 * time.Millisecond
		result := p.Fetch(context.Background(), req)

		assert.True(t, result.Provenance.TimedOut)
		assert.Empty(t, result.PackText)
		assert.NoError(t, result.Err)
	})

	t.Run("should surface caller cancellation as error not timeout", func(t *testing.T) {
		caller := &fakeCaller{delay: time.Second}
		p := New(caller, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := p.Fetch(ctx, enabledRequest("anything"))

		assert.False(t, result.Provenance.TimedOut)
		assert.ErrorIs(t, result.Err, context.Canceled)
	})

	t.Run("should treat non-JSON responses as raw pack text", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{
			CanonicalToolName: "plain context about my projects",
		}}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), enabledRequest("what are my projects?"))

		require.NoError(t, result.Err)
		assert.Equal(t, "plain context about my projects", result.PackText)
	})

	t.Run("should audit successful non-empty retrievals", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{
			CanonicalToolName: `{"pack":"ctx","profile_loaded":true,"counts":{"facts":1,"nuggets":4}}`,
		}}
		sink := &recordingSink{}
		p := New(caller, sink)

		result := p.Fetch(context.Background(), enabledRequest("my schedule"))
		require.NoError(t, result.Err)

		events := sink.all()
		require.Len(t, events, 1)
		assert.Equal(t, "memory_context_loaded", events[0].Action)
		assert.Equal(t, true, events[0].Details["profile_loaded"])
		assert.Equal(t, 1, events[0].Details["facts"])
		assert.Equal(t, 4, events[0].Details["nuggets"])
	})

	t.Run("should not audit empty retrievals", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{CanonicalToolName: ""}}
		sink := &recordingSink{}
		p := New(caller, sink)

		result := p.Fetch(context.Background(), enabledRequest("anything"))
		require.NoError(t, result.Err)
		assert.Empty(t, sink.all())
	})

	t.Run("should sanitize the pack before returning it", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{
			CanonicalToolName: `{"pack":"[NUGGETS]\nsecret\n[/NUGGETS]\ngeneral note"}`,
		}}
		p := New(caller, nil)

		result := p.Fetch(context.Background(), enabledRequest("how do ovens work?"))

		require.NoError(t, result.Err)
		assert.NotContains(t, result.PackText, "secret")
		assert.Contains(t, result.PackText, "general note")
	})

	t.Run("should pass onboarding flag through", func(t *testing.T) {
		caller := &fakeCaller{results: map[string]string{
			CanonicalToolName: `{"pack":"hello there","onboarding_needed":true}`,
		}}
		p := New(caller, nil)

		req := enabledRequest("hi")
		req.IsColdGreeting = true
		result := p.Fetch(context.Background(), req)

		require.NoError(t, result.Err)
		assert.True(t, result.OnboardingNeeded)
		assert.Equal(t, "hello there", result.PackText)
	})
}
