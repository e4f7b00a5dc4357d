// Package orchestrator runs clone and synthesize requests through admission,
// the provider call and the commit, in that order. Nothing is persisted
// until the provider has succeeded.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voiceslot/internal/ledger"
	"voiceslot/internal/metrics"
	"voiceslot/internal/mirror"
	"voiceslot/internal/providers"
	"voiceslot/internal/quota"
	"voiceslot/internal/slots"
	"voiceslot/internal/voice"
)

// RateLimiter throttles provider calls per user and endpoint.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64, endpoint string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
	Limit() int64
}

type Orchestrator struct {
	quota    *quota.Service
	slots    *slots.Service
	ledger   *ledger.Service
	mirror   *mirror.Projector
	provider providers.VoiceProvider
	limiter  RateLimiter
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Config struct {
	Quota    *quota.Service
	Slots    *slots.Service
	Ledger   *ledger.Service
	Mirror   *mirror.Projector
	Provider providers.VoiceProvider
	// Limiter is optional.
	Limiter RateLimiter
	// ProviderTimeout is clamped to [1s, 60s]; zero means 10s.
	ProviderTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	Clock           func() time.Time
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{
		quota:    cfg.Quota,
		slots:    cfg.Slots,
		ledger:   cfg.Ledger,
		mirror:   cfg.Mirror,
		provider: cfg.Provider,
		limiter:  cfg.Limiter,
		timeout:  providers.ClampTimeout(cfg.ProviderTimeout),
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:  m,
		now:      cfg.Clock,
	}
}

func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// reject counts an admission refusal and passes the error through.
func (o *Orchestrator) reject(counter string, err error) error {
	if c, ok := voice.CapOf(err); ok {
		o.metrics.Rejections.WithLabelValues(string(c)).Inc()
	}
	o.count(counter, "rejected")
	return err
}

func (o *Orchestrator) count(counter, result string) {
	switch counter {
	case voice.EndpointClone:
		o.metrics.Clones.WithLabelValues(result).Inc()
	default:
		o.metrics.Syntheses.WithLabelValues(result).Inc()
	}
}

// throttle consults the hourly limiter. Admins are exempt and a limiter
// outage lets the request through.
func (o *Orchestrator) throttle(ctx context.Context, caller voice.Caller, endpoint string) error {
	if o.limiter == nil || caller.IsAdmin {
		return nil
	}
	allowed, used, resetAt, err := o.limiter.Allow(ctx, caller.UserID, endpoint, o.now())
	if err != nil {
		o.logger.Warn().Err(err).Int64("user_id", caller.UserID).Str("endpoint", endpoint).Msg("rate limiter unavailable")
		return nil
	}
	if !allowed {
		o.logger.Info().Int64("user_id", caller.UserID).Str("endpoint", endpoint).Time("reset_at", resetAt).Msg("rate limited")
		return &voice.LimitError{Cap: voice.CapRate, Limit: o.limiter.Limit(), Used: used - 1, Requested: 1}
	}
	return nil
}

// providerKey returns the caller's own provider key, or "" to use the
// platform key.
func (o *Orchestrator) providerKey(ctx context.Context, userID int64) string {
	key, err := o.quota.ProviderKey(ctx, userID)
	if err != nil {
		o.logger.Warn().Err(err).Int64("user_id", userID).Msg("provider key unavailable; using platform key")
		return ""
	}
	return key
}

// providerError classifies anything the provider did not already classify
// as unavailable.
func providerError(err error) error {
	switch {
	case errors.Is(err, voice.ErrProviderRejected),
		errors.Is(err, voice.ErrProviderUnavailable),
		errors.Is(err, voice.ErrCloneFailed):
		return err
	default:
		return providers.Unavailable(err)
	}
}

// record appends a usage row on the success path; a failure is only logged.
func (o *Orchestrator) record(ctx context.Context, r voice.UsageRecord) {
	if err := o.ledger.Record(ctx, r); err != nil {
		o.metrics.LedgerFailures.Inc()
		o.logger.Error().Err(err).
			Int64("user_id", r.UserID).
			Str("endpoint", r.Endpoint).
			Str("slot_id", r.SlotID).
			Msg("usage record lost")
	}
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func elapsedMs(start, end time.Time) int {
	return int(end.Sub(start) / time.Millisecond)
}
