package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{}

type stubProvider struct{ name string }

func (p *stubProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	return &LLMResponse{Content: "from " + p.name}, nil
}

func (p *stubProvider) Provider() string { return p.name }

func (f *stubFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("missing api key")
	}
	return &stubProvider{name: profile.ID}, nil
}

func testProfiles() []AuthProfile {
	return []AuthProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "k1", Priority: 1},
		{ID: "backup", Provider: "openai", APIKey: "k2", Priority: 2},
	}
}

func TestFailover(t *testing.T) {
	t.Run("should require at least one profile", func(t *testing.T) {
		_, err := NewFailover(nil, &stubFactory{}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("should use the highest priority profile first", func(t *testing.T) {
		f, err := NewFailover(testProfiles(), &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		result, err := f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			return AgentResponse{Text: p.Provider(), Success: true}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "primary", result.Text)
	})

	t.Run("should fall through to the next profile on retryable failure", func(t *testing.T) {
		f, err := NewFailover(testProfiles(), &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		result, err := f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			if p.Provider() == "primary" {
				return AgentResponse{}, fmt.Errorf("429 rate limit")
			}
			return AgentResponse{Text: p.Provider(), Success: true}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "backup", result.Text)
	})

	t.Run("should stop on non-retryable failure", func(t *testing.T) {
		f, err := NewFailover(testProfiles(), &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		var tried []string
		_, err = f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			tried = append(tried, p.Provider())
			return AgentResponse{}, fmt.Errorf("invalid request body")
		})

		require.Error(t, err)
		assert.Equal(t, []string{"primary"}, tried)
	})

	t.Run("should put failing profiles in cooldown", func(t *testing.T) {
		f, err := NewFailover(testProfiles(), &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		_, _ = f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			if p.Provider() == "primary" {
				return AgentResponse{}, fmt.Errorf("503 unavailable")
			}
			return AgentResponse{Success: true}, nil
		})

		for _, profile := range f.Profiles() {
			if profile.ID == "primary" {
				assert.Equal(t, 1, profile.FailureCount)
				require.NotNil(t, profile.CooldownUntil)
				assert.Greater(t, *profile.CooldownUntil, time.Now().UnixMilli())
			}
			if profile.ID == "backup" {
				assert.Equal(t, 0, profile.FailureCount)
				assert.Nil(t, profile.CooldownUntil)
			}
		}
	})

	t.Run("should skip profiles in cooldown", func(t *testing.T) {
		profiles := testProfiles()
		until := time.Now().Add(time.Hour).UnixMilli()
		profiles[0].CooldownUntil = &until

		f, err := NewFailover(profiles, &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		result, err := f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			return AgentResponse{Text: p.Provider(), Success: true}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "backup", result.Text)
	})

	t.Run("should clear cooldown after success", func(t *testing.T) {
		profiles := testProfiles()
		profiles[0].FailureCount = 2

		f, err := NewFailover(profiles, &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		_, err = f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			return AgentResponse{Success: true}, nil
		})
		require.NoError(t, err)

		for _, profile := range f.Profiles() {
			if profile.ID == "primary" {
				assert.Equal(t, 0, profile.FailureCount)
			}
		}
	})

	t.Run("should skip profiles the factory rejects", func(t *testing.T) {
		profiles := testProfiles()
		profiles[0].APIKey = ""

		f, err := NewFailover(profiles, &stubFactory{}, zerolog.Nop())
		require.NoError(t, err)

		result, err := f.Execute(context.Background(), func(p LLMProvider) (AgentResponse, error) {
			return AgentResponse{Text: p.Provider(), Success: true}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "backup", result.Text)
	})
}
