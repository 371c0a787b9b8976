package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
)

// Failover walks auth profiles in priority order until one provider
// completes the turn. Failing profiles enter a growing cooldown.
type Failover struct {
	factory  ProviderCreator
	logger   zerolog.Logger
	profiles []AuthProfile
	mu       sync.RWMutex
}

// NewFailover creates a failover over the given profiles
func NewFailover(profiles []AuthProfile, factory ProviderCreator, logger zerolog.Logger) (*Failover, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if factory == nil {
		factory = &ProviderFactory{}
	}

	return &Failover{
		factory:  factory,
		logger:   logger,
		profiles: append([]AuthProfile(nil), profiles...),
	}, nil
}

// Execute runs fn against providers in priority order. Profiles in
// cooldown are skipped; non-retryable errors stop the walk immediately.
func (f *Failover) Execute(ctx context.Context, fn func(provider LLMProvider) (AgentResponse, error)) (AgentResponse, error) {
	f.mu.RLock()
	profiles := make([]AuthProfile, len(f.profiles))
	copy(profiles, f.profiles)
	f.mu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return AgentResponse{}, err
		}

		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := f.factory.NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		logger.Info().Str("profile_id", profile.ID).Str("provider", profile.Provider).Msg("Trying auth profile")

		result, err := fn(provider)
		if err == nil {
			f.markSuccess(profile.ID)
			return result, nil
		}

		lastErr = err
		f.markFailure(profile.ID)
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		if ctx.Err() != nil {
			return AgentResponse{}, ctx.Err()
		}
		if !IsRetryableError(err) {
			return AgentResponse{}, err
		}
	}

	return AgentResponse{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *Failover) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			break
		}
	}
}

func (f *Failover) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			cooldownUntil := time.Now().UnixMilli() + int64(60000*f.profiles[i].FailureCount)
			f.profiles[i].CooldownUntil = &cooldownUntil
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			break
		}
	}
}

// Profiles returns a snapshot of the current profile states
func (f *Failover) Profiles() []AuthProfile {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}
