package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"voiceslot/internal/crypto"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

const DefaultSlots = 3

var ErrNoKeyring = errors.New("no master key configured for provider credentials")

type Service struct {
	store        *storage.Store
	keyring      *crypto.Keyring
	defaultSlots int
	logger       zerolog.Logger
	init         singleflight.Group
}

type Config struct {
	Store *storage.Store
	// Keyring is optional; without it provider keys cannot be stored.
	Keyring      *crypto.Keyring
	DefaultSlots int
	Logger       zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.DefaultSlots <= 0 {
		cfg.DefaultSlots = DefaultSlots
	}
	return &Service{
		store:        cfg.Store,
		keyring:      cfg.Keyring,
		defaultSlots: cfg.DefaultSlots,
		logger:       cfg.Logger.With().Str("component", "quota").Logger(),
	}
}

func (s *Service) DefaultSlots() int {
	return s.defaultSlots
}

// GetOrInit returns the user's quota row, creating it with the platform
// default slot count on first access.
func (s *Service) GetOrInit(ctx context.Context, userID int64) (voice.Quota, error) {
	v, err, _ := s.init.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		q, err := s.store.GetQuota(ctx, userID)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := s.store.InsertQuotaIfMissing(ctx, userID, s.defaultSlots); err != nil {
			return nil, err
		}
		return s.store.GetQuota(ctx, userID)
	})
	if err != nil {
		return voice.Quota{}, fmt.Errorf("get or init quota: %w", err)
	}
	return v.(voice.Quota), nil
}

// SlotsUsed is always a live count.
func (s *Service) SlotsUsed(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.CountSlots(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return n, nil
}

func (s *Service) EffectiveLimit(ctx context.Context, userID int64) (int, error) {
	q, err := s.GetOrInit(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.effective(q), nil
}

func (s *Service) effective(q voice.Quota) int {
	if q.Slots != nil && *q.Slots > 0 {
		return *q.Slots
	}
	return s.defaultSlots
}

// AdmitNewSlot checks the slot-count cap for a first-time clone. It returns
// the effective limit so the commit can re-check it; admins get 0 (no cap).
func (s *Service) AdmitNewSlot(ctx context.Context, caller voice.Caller) (int, error) {
	if caller.IsAdmin {
		return 0, nil
	}
	limit, err := s.EffectiveLimit(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	used, err := s.SlotsUsed(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return limit, &voice.LimitError{Cap: voice.CapSlots, Limit: int64(limit), Used: int64(used), Requested: 1}
	}
	return limit, nil
}

type Overview struct {
	UserID         int64 `json:"userId"`
	SlotsLimit     int   `json:"slotsLimit"`
	SlotsUsed      int   `json:"slotsUsed"`
	SlotsRemaining int   `json:"slotsRemaining"`
	// CustomLimit is false when the platform default applies.
	CustomLimit bool  `json:"customLimit"`
	CharLimit   int64 `json:"charLimit"`
	CallLimit   int64 `json:"callLimit"`
	HasAPIKey   bool  `json:"hasApiKey"`
}

func (s *Service) Overview(ctx context.Context, userID int64) (Overview, error) {
	q, err := s.GetOrInit(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	used, err := s.SlotsUsed(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	limit := s.effective(q)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	_, keyErr := s.store.GetQuotaAPIKey(ctx, userID)
	if keyErr != nil && !errors.Is(keyErr, storage.ErrNotFound) {
		return Overview{}, fmt.Errorf("load provider key: %w", keyErr)
	}
	return Overview{
		UserID:         userID,
		SlotsLimit:     limit,
		SlotsUsed:      used,
		SlotsRemaining: remaining,
		CustomLimit:    q.Slots != nil && *q.Slots > 0,
		CharLimit:      q.CharLimit,
		CallLimit:      q.CallLimit,
		HasAPIKey:      keyErr == nil,
	}, nil
}

// LimitsUpdate leaves nil fields untouched. Slots distinguishes "not supplied"
// from an explicit null, which clears the override.
type LimitsUpdate struct {
	CharLimit *int64
	CallLimit *int64
	Slots     voice.Optional[int]
}

func (s *Service) UpdateLimits(ctx context.Context, caller voice.Caller, userID int64, u LimitsUpdate) (voice.Quota, error) {
	if !caller.IsAdmin {
		return voice.Quota{}, voice.ErrForbidden
	}
	if userID <= 0 {
		return voice.Quota{}, fmt.Errorf("%w: user id is required", voice.ErrInvalidInput)
	}
	if (u.CharLimit != nil && *u.CharLimit < 0) || (u.CallLimit != nil && *u.CallLimit < 0) {
		return voice.Quota{}, fmt.Errorf("%w: limits must not be negative", voice.ErrInvalidInput)
	}
	if u.Slots.Set && u.Slots.Valid && u.Slots.Value < 0 {
		return voice.Quota{}, fmt.Errorf("%w: slots must not be negative", voice.ErrInvalidInput)
	}
	patch := storage.QuotaPatch{
		CharLimit: u.CharLimit,
		CallLimit: u.CallLimit,
		SlotsSet:  u.Slots.Set,
		Slots:     u.Slots.Ptr(),
	}
	if err := s.store.UpdateQuota(ctx, userID, s.defaultSlots, patch); err != nil {
		return voice.Quota{}, fmt.Errorf("update quota: %w", err)
	}
	s.logger.Info().
		Int64("user_id", userID).
		Int64("admin_id", caller.UserID).
		Bool("slots_set", u.Slots.Set).
		Msg("quota limits updated")
	q, err := s.store.GetQuota(ctx, userID)
	if err != nil {
		return voice.Quota{}, fmt.Errorf("reload quota: %w", err)
	}
	return q, nil
}

// SetProviderKey stores a sealed per-user provider API key. An empty key clears it.
func (s *Service) SetProviderKey(ctx context.Context, caller voice.Caller, userID int64, key string) error {
	if !caller.IsAdmin {
		return voice.ErrForbidden
	}
	key = strings.TrimSpace(key)
	if key == "" {
		if err := s.store.SetQuotaAPIKey(ctx, userID, s.defaultSlots, nil); err != nil {
			return fmt.Errorf("clear provider key: %w", err)
		}
		return nil
	}
	if s.keyring == nil {
		return ErrNoKeyring
	}
	sealed, err := s.keyring.SealString(userID, key)
	if err != nil {
		return fmt.Errorf("seal provider key: %w", err)
	}
	if err := s.store.SetQuotaAPIKey(ctx, userID, s.defaultSlots, &sealed); err != nil {
		return fmt.Errorf("store provider key: %w", err)
	}
	return nil
}

// ProviderKey returns the user's provider API key, or "" when none is stored.
func (s *Service) ProviderKey(ctx context.Context, userID int64) (string, error) {
	raw, err := s.store.GetQuotaAPIKey(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load provider key: %w", err)
	}
	if s.keyring == nil {
		return "", ErrNoKeyring
	}
	key, err := s.keyring.OpenString(userID, raw)
	if err != nil {
		return "", fmt.Errorf("open provider key: %w", err)
	}
	if !s.keyring.IsCurrent(raw) {
		s.rotateProviderKey(ctx, userID, raw)
	}
	return key, nil
}

// rotateProviderKey moves an envelope sealed under a retired key to the
// current one. Failures leave the old envelope in place.
func (s *Service) rotateProviderKey(ctx context.Context, userID int64, raw string) {
	sealed, err := s.keyring.Reseal(userID, raw)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("provider key reseal failed")
		return
	}
	if err := s.store.SetQuotaAPIKey(ctx, userID, s.defaultSlots, &sealed); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("provider key reseal not stored")
		return
	}
	s.logger.Info().Int64("user_id", userID).Str("key_id", s.keyring.CurrentKeyID()).Msg("provider key resealed")
}
