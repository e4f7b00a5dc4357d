package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voiceslot/internal/mirror"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

// DefaultPreferredModel marks the platform's streaming engine in model ids.
const DefaultPreferredModel = "IndexStream"

type Service struct {
	store          *storage.Store
	mirror         *mirror.Projector
	preferredModel string
	cloneLimit     int
	logger         zerolog.Logger
	now            func() time.Time
}

type Config struct {
	Store  *storage.Store
	Mirror *mirror.Projector
	// PreferredModel is matched case-insensitively against model ids when a
	// default model has to be picked.
	PreferredModel string
	// CloneLimit is the reclone allowance given to slots created by non-admin clones.
	CloneLimit int
	Logger     zerolog.Logger
	Clock      func() time.Time
}

func New(cfg Config) *Service {
	if strings.TrimSpace(cfg.PreferredModel) == "" {
		cfg.PreferredModel = DefaultPreferredModel
	}
	if cfg.CloneLimit <= 0 {
		cfg.CloneLimit = DefaultCloneLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:          cfg.Store,
		mirror:         cfg.Mirror,
		preferredModel: cfg.PreferredModel,
		cloneLimit:     cfg.CloneLimit,
		logger:         cfg.Logger.With().Str("component", "slots").Logger(),
		now:            func() time.Time { return cfg.Clock().UTC() },
	}
}

// NewSlotID returns a uuid v4 in hex without dashes.
func NewSlotID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return voice.ErrNotFound
	case errors.Is(err, storage.ErrDisabled):
		return voice.ErrSlotDisabled
	default:
		return err
	}
}

type AllocateRequest struct {
	UserID     int64
	Count      int
	CloneLimit int
	QuotaMode  voice.QuotaMode
	CallLimit  int
	TokenLimit int64
	ModelID    string
}

// Allocate pre-creates empty slots for a user.
func (s *Service) Allocate(ctx context.Context, caller voice.Caller, req AllocateRequest) ([]voice.Slot, error) {
	if !caller.IsAdmin {
		return nil, voice.ErrForbidden
	}
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", voice.ErrInvalidInput)
	}
	if req.CloneLimit < 0 || req.CallLimit < 0 || req.TokenLimit < 0 {
		return nil, fmt.Errorf("%w: limits must not be negative", voice.ErrInvalidInput)
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	now := s.now()
	out := make([]voice.Slot, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, voice.Slot{
			SlotID:     NewSlotID(),
			UserID:     req.UserID,
			ModelID:    strings.TrimSpace(req.ModelID),
			QuotaMode:  req.QuotaMode,
			CloneLimit: req.CloneLimit,
			CallLimit:  req.CallLimit,
			TokenLimit: req.TokenLimit,
			Status:     voice.StatusEmpty,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := s.store.InsertSlots(ctx, out); err != nil {
		return nil, fmt.Errorf("allocate slots: %w", err)
	}
	s.logger.Info().Int64("user_id", req.UserID).Int("count", count).Int64("admin_id", caller.UserID).Msg("slots allocated")
	return out, nil
}

// GetOwned fails with voice.ErrNotFound for missing and foreign slots alike.
func (s *Service) GetOwned(ctx context.Context, userID int64, slotID string) (voice.Slot, error) {
	slot, err := s.store.GetSlotForUser(ctx, userID, strings.TrimSpace(slotID))
	return slot, translate(err)
}

func (s *Service) Get(ctx context.Context, caller voice.Caller, slotID string) (voice.Slot, error) {
	if caller.IsAdmin {
		slot, err := s.store.GetSlot(ctx, strings.TrimSpace(slotID))
		return slot, translate(err)
	}
	return s.GetOwned(ctx, caller.UserID, slotID)
}

// ListOwned returns the user's slots, most recently updated first. An empty
// status lists all of them.
func (s *Service) ListOwned(ctx context.Context, userID int64, status voice.Status) ([]voice.Slot, error) {
	out, err := s.store.ListSlots(ctx, userID, status)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return out, nil
}

type Settings struct {
	CloneLimit *int
	QuotaMode  *voice.QuotaMode
	CallLimit  *int
	TokenLimit *int64
	Status     *voice.Status
	ModelID    *string
}

func (st Settings) validate(slot voice.Slot) error {
	if (st.CloneLimit != nil && *st.CloneLimit < 0) || (st.CallLimit != nil && *st.CallLimit < 0) || (st.TokenLimit != nil && *st.TokenLimit < 0) {
		return fmt.Errorf("%w: limits must not be negative", voice.ErrInvalidInput)
	}
	if st.Status == nil {
		return nil
	}
	switch *st.Status {
	case voice.StatusPublic:
		return fmt.Errorf("%w: use SetPublic to publish a slot", voice.ErrInvalidInput)
	case voice.StatusActive:
		if !slot.HasVoice() {
			return fmt.Errorf("%w: slot has no voice to activate", voice.ErrInvalidInput)
		}
	case voice.StatusEmpty:
		if slot.HasVoice() {
			return fmt.Errorf("%w: slot with a voice cannot be empty", voice.ErrInvalidInput)
		}
	case voice.StatusDisabled:
	default:
		return fmt.Errorf("%w: unknown status %q", voice.ErrInvalidInput, *st.Status)
	}
	return nil
}

// UpdateAdminSettings applies only the supplied fields.
func (s *Service) UpdateAdminSettings(ctx context.Context, caller voice.Caller, slotID string, st Settings) (voice.Slot, error) {
	if !caller.IsAdmin {
		return voice.Slot{}, voice.ErrForbidden
	}
	cur, err := s.Get(ctx, caller, slotID)
	if err != nil {
		return voice.Slot{}, err
	}
	if err := st.validate(cur); err != nil {
		return voice.Slot{}, err
	}
	patch := storage.SlotPatch{
		CloneLimit: st.CloneLimit,
		QuotaMode:  st.QuotaMode,
		CallLimit:  st.CallLimit,
		TokenLimit: st.TokenLimit,
		Status:     st.Status,
	}
	if st.ModelID != nil {
		m := strings.TrimSpace(*st.ModelID)
		patch.ModelID = &m
	}
	updated, err := s.store.UpdateSlot(ctx, cur.SlotID, patch)
	if err != nil {
		return voice.Slot{}, translate(err)
	}
	if updated.ModelID != cur.ModelID || updated.Status != cur.Status {
		s.mirror.Refresh(ctx, updated.SlotID, "", "admin_settings")
	}
	return updated, nil
}

// BindModel sets the slot's model. The mirror is refreshed when a voice is
// already bound; a mirror failure never fails the bind.
func (s *Service) BindModel(ctx context.Context, caller voice.Caller, slotID, modelID, displayName string) (voice.Slot, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return voice.Slot{}, fmt.Errorf("%w: model id is required", voice.ErrInvalidInput)
	}
	cur, err := s.Get(ctx, caller, slotID)
	if err != nil {
		return voice.Slot{}, err
	}
	updated, err := s.store.UpdateSlot(ctx, cur.SlotID, storage.SlotPatch{ModelID: &modelID})
	if err != nil {
		return voice.Slot{}, translate(err)
	}
	if updated.HasVoice() {
		s.mirror.Refresh(ctx, updated.SlotID, displayName, "bind_model")
	}
	return updated, nil
}

// Delete removes the slot with its mirror row and clone history. Deleting a
// missing slot, or one owned by someone else, is a silent no-op.
func (s *Service) Delete(ctx context.Context, caller voice.Caller, slotID string) error {
	slotID = strings.TrimSpace(slotID)
	var owner *int64
	if !caller.IsAdmin {
		owner = &caller.UserID
	}
	removed, err := s.store.DeleteSlot(ctx, slotID, owner)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if removed {
		s.mirror.Forget(slotID)
		s.logger.Info().Str("slot_id", slotID).Int64("caller_id", caller.UserID).Msg("slot deleted")
	}
	return nil
}

// SetPublic publishes the slot to every user. Disabled slots and slots
// without a voice are rejected before anything changes; a missing model is
// auto-bound. The status is written first and the mirror follows it.
func (s *Service) SetPublic(ctx context.Context, caller voice.Caller, slotID, displayName string) (voice.Slot, error) {
	if !caller.IsAdmin {
		return voice.Slot{}, voice.ErrForbidden
	}
	slot, err := s.Get(ctx, caller, slotID)
	if err != nil {
		return voice.Slot{}, err
	}
	if slot.Status == voice.StatusDisabled {
		return voice.Slot{}, voice.ErrSlotDisabled
	}
	if !slot.HasVoice() {
		return voice.Slot{}, voice.ErrNotClonedYet
	}
	if strings.TrimSpace(slot.ModelID) == "" {
		m, err := s.DefaultModel(ctx)
		if err != nil {
			return voice.Slot{}, err
		}
		slot, err = s.store.UpdateSlot(ctx, slot.SlotID, storage.SlotPatch{ModelID: &m.ID})
		if err != nil {
			return voice.Slot{}, translate(err)
		}
	}
	public := voice.StatusPublic
	updated, err := s.store.UpdateSlot(ctx, slot.SlotID, storage.SlotPatch{Status: &public})
	if err != nil {
		return voice.Slot{}, translate(err)
	}
	s.mirror.Refresh(ctx, updated.SlotID, displayName, "set_public")
	s.logger.Info().Str("slot_id", slot.SlotID).Str("model_id", updated.ModelID).Msg("slot published")
	return updated, nil
}

// SetPrivate removes the mirror row. A disabled slot stays disabled; any
// other slot becomes active, or empty when it has no voice.
func (s *Service) SetPrivate(ctx context.Context, caller voice.Caller, slotID string) (voice.Slot, error) {
	if !caller.IsAdmin {
		return voice.Slot{}, voice.ErrForbidden
	}
	slot, err := s.Get(ctx, caller, slotID)
	if err != nil {
		return voice.Slot{}, err
	}
	if err := s.mirror.Remove(ctx, slot.SlotID); err != nil {
		return voice.Slot{}, err
	}
	next := slot.Status
	switch {
	case slot.Status == voice.StatusDisabled:
	case slot.HasVoice():
		next = voice.StatusActive
	default:
		next = voice.StatusEmpty
	}
	if next == slot.Status {
		return slot, nil
	}
	updated, err := s.store.UpdateSlot(ctx, slot.SlotID, storage.SlotPatch{Status: &next})
	return updated, translate(err)
}

// DefaultModel picks the model for slots that have none: the preferred
// streaming engine, then the flagged default, then the lowest sort order.
func (s *Service) DefaultModel(ctx context.Context) (voice.Model, error) {
	models, err := s.store.ListEnabledModels(ctx)
	if err != nil {
		return voice.Model{}, fmt.Errorf("list models: %w", err)
	}
	if len(models) == 0 {
		return voice.Model{}, voice.ErrNoModelAvailable
	}
	marker := strings.ToLower(s.preferredModel)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), marker) {
			return m, nil
		}
	}
	for _, m := range models {
		if m.IsDefault {
			return m, nil
		}
	}
	return models[0], nil
}
