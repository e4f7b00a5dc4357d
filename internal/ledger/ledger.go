// Package ledger is the append-only usage log of clone and synthesize calls
// and the reporting queries over it.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

const (
	DefaultUserLimit  = 50
	DefaultAdminLimit = 100
	MaxLimit          = 1000
)

type Service struct {
	store    *storage.Store
	location *time.Location
	logger   zerolog.Logger
}

type Config struct {
	Store *storage.Store
	// Location expands calendar-date bounds to whole days. Defaults to UTC.
	Location *time.Location
	Logger   zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:    cfg.Store,
		location: cfg.Location,
		logger:   cfg.Logger.With().Str("component", "ledger").Logger(),
	}
}

func (s *Service) Location() *time.Location {
	return s.location
}

// Record appends one usage row. Callers on the success path of a provider
// call log a failure here instead of returning it.
func (s *Service) Record(ctx context.Context, r voice.UsageRecord) error {
	if r.UserID == 0 {
		return fmt.Errorf("%w: usage record without user", voice.ErrInvalidInput)
	}
	switch r.Endpoint {
	case voice.EndpointClone, voice.EndpointTTS, voice.EndpointTest:
	default:
		return fmt.Errorf("%w: unknown endpoint %q", voice.ErrInvalidInput, r.Endpoint)
	}
	if err := s.store.InsertUsage(ctx, r); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

type Filter struct {
	UserID   *int64
	Endpoint string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

func (f Filter) toStorage(defLimit int) storage.UsageFilter {
	limit := f.Limit
	if limit <= 0 {
		limit = defLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return storage.UsageFilter{
		UserID:   f.UserID,
		Endpoint: strings.TrimSpace(f.Endpoint),
		Start:    f.Start,
		End:      f.End,
		Limit:    limit,
	}
}

// ListForUser returns the user's own records, newest first. Any UserID in f is ignored.
func (s *Service) ListForUser(ctx context.Context, userID int64, f Filter) ([]voice.UsageRecord, error) {
	f.UserID = &userID
	out, err := s.store.ListUsage(ctx, f.toStorage(DefaultUserLimit))
	if err != nil {
		return nil, fmt.Errorf("list usage for user: %w", err)
	}
	return out, nil
}

func (s *Service) ListForAdmin(ctx context.Context, caller voice.Caller, f Filter) ([]voice.UsageRecord, error) {
	if !caller.IsAdmin {
		return nil, voice.ErrForbidden
	}
	out, err := s.store.ListUsage(ctx, f.toStorage(DefaultAdminLimit))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return out, nil
}

type EndpointUsage struct {
	Chars      int64 `json:"chars"`
	Calls      int64 `json:"calls"`
	DurationMs int64 `json:"durationMs"`
	Records    int64 `json:"records"`
}

type UserUsage struct {
	UserID          int64                    `json:"userId"`
	TotalChars      int64                    `json:"totalChars"`
	TotalCalls      int64                    `json:"totalCalls"`
	TotalDurationMs int64                    `json:"totalDuration"`
	RecordCount     int64                    `json:"recordCount"`
	Endpoints       map[string]EndpointUsage `json:"endpoints"`
}

func (u *UserUsage) add(g storage.UsageGroup) {
	u.TotalChars += g.Chars
	u.TotalCalls += g.Calls
	u.TotalDurationMs += g.DurationMs
	u.RecordCount += g.Records
	e := u.Endpoints[g.Endpoint]
	e.Chars += g.Chars
	e.Calls += g.Calls
	e.DurationMs += g.DurationMs
	e.Records += g.Records
	u.Endpoints[g.Endpoint] = e
}

// AggregateByUser groups the ledger per user, sorted by user id.
func (s *Service) AggregateByUser(ctx context.Context, caller voice.Caller, start, end *time.Time) ([]UserUsage, error) {
	if !caller.IsAdmin {
		return nil, voice.ErrForbidden
	}
	groups, err := s.store.AggregateUsage(ctx, storage.UsageFilter{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	byUser := map[int64]*UserUsage{}
	for _, g := range groups {
		u, ok := byUser[g.UserID]
		if !ok {
			u = &UserUsage{UserID: g.UserID, Endpoints: map[string]EndpointUsage{}}
			byUser[g.UserID] = u
		}
		u.add(g)
	}
	out := make([]UserUsage, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Stats is the totals view used by the "my usage" and admin dashboards.
type Stats struct {
	TotalChars      int64                    `json:"totalChars"`
	TotalCalls      int64                    `json:"totalCalls"`
	TotalDurationMs int64                    `json:"totalDuration"`
	RecordCount     int64                    `json:"recordCount"`
	Endpoints       map[string]EndpointUsage `json:"endpoints"`
}

// Stats totals the ledger for one user, or for everyone when userID is nil.
// Platform-wide totals require an admin caller.
func (s *Service) Stats(ctx context.Context, caller voice.Caller, userID *int64, start, end *time.Time) (Stats, error) {
	if userID == nil && !caller.IsAdmin {
		return Stats{}, voice.ErrForbidden
	}
	if userID != nil && *userID != caller.UserID && !caller.IsAdmin {
		return Stats{}, voice.ErrForbidden
	}
	groups, err := s.store.AggregateUsage(ctx, storage.UsageFilter{UserID: userID, Start: start, End: end})
	if err != nil {
		return Stats{}, fmt.Errorf("usage stats: %w", err)
	}
	acc := UserUsage{Endpoints: map[string]EndpointUsage{}}
	for _, g := range groups {
		acc.add(g)
	}
	return Stats{
		TotalChars:      acc.TotalChars,
		TotalCalls:      acc.TotalCalls,
		TotalDurationMs: acc.TotalDurationMs,
		RecordCount:     acc.RecordCount,
		Endpoints:       acc.Endpoints,
	}, nil
}
