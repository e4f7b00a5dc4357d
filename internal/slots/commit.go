package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

// DefaultCloneLimit is the reclone allowance of a slot created by a non-admin clone.
const DefaultCloneLimit = 5

// ClonedVoice is a provider result ready to be committed to a slot.
type ClonedVoice struct {
	VoiceID    string
	PreviewURL string
	Name       string
}

// CreateFromClone commits a first-time clone: a new active slot counting one
// clone, bound to the default model, plus its history row. maxSlots is the cap
// handed out by admission; it is re-checked inside the transaction.
func (s *Service) CreateFromClone(ctx context.Context, caller voice.Caller, v ClonedVoice, maxSlots int) (voice.Slot, error) {
	now := s.now()
	slot := voice.Slot{
		SlotID:       NewSlotID(),
		UserID:       caller.UserID,
		VoiceID:      v.VoiceID,
		PreviewURL:   v.PreviewURL,
		QuotaMode:    voice.QuotaToken,
		CloneLimit:   s.cloneLimit,
		CloneUsed:    1,
		Status:       voice.StatusActive,
		LastClonedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if caller.IsAdmin {
		slot.CloneLimit = 0
		maxSlots = 0
	}
	if m, err := s.DefaultModel(ctx); err == nil {
		slot.ModelID = m.ID
	} else if !errors.Is(err, voice.ErrNoModelAvailable) {
		s.logger.Warn().Err(err).Int64("user_id", caller.UserID).Msg("default model lookup failed")
	}
	rec := cloneRecord(slot, v, now)

	err := s.store.CreateClonedSlot(ctx, slot, rec, maxSlots)
	if errors.Is(err, storage.ErrLimitReached) {
		return voice.Slot{}, &voice.LimitError{Cap: voice.CapSlots, Limit: int64(maxSlots), Used: int64(maxSlots), Requested: 1}
	}
	if err != nil {
		return voice.Slot{}, fmt.Errorf("create cloned slot: %w", err)
	}
	return slot, nil
}

// CommitReclone binds a new voice to an existing slot and counts the attempt.
// For non-admins the increment is conditional on the clone cap, so concurrent
// reclones can never push clone_used past clone_limit.
func (s *Service) CommitReclone(ctx context.Context, caller voice.Caller, slot voice.Slot, v ClonedVoice) (voice.Slot, error) {
	now := s.now()
	next := slot
	next.VoiceID = v.VoiceID
	next.PreviewURL = v.PreviewURL
	updated, err := s.store.CommitReclone(ctx, storage.RecloneCommit{
		SlotID:       slot.SlotID,
		VoiceID:      v.VoiceID,
		PreviewURL:   v.PreviewURL,
		At:           now,
		EnforceLimit: !caller.IsAdmin,
		Record:       cloneRecord(next, v, now),
	})
	switch {
	case errors.Is(err, storage.ErrLimitReached):
		return voice.Slot{}, &voice.LimitError{Cap: voice.CapClones, Limit: int64(slot.CloneLimit), Used: int64(slot.CloneLimit), Requested: 1}
	case err != nil:
		return voice.Slot{}, translate(err)
	}
	return updated, nil
}

func cloneRecord(slot voice.Slot, v ClonedVoice, now time.Time) voice.CloneRecord {
	name := strings.TrimSpace(v.Name)
	if name == "" {
		name = slot.SlotID
	}
	return voice.CloneRecord{
		UserID:     slot.UserID,
		SlotID:     slot.SlotID,
		VoiceID:    v.VoiceID,
		Name:       name,
		Status:     "success",
		PreviewURL: v.PreviewURL,
		Source:     "uploaded",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AdmitSynthesis checks the slot's own budget for a synthesize of chars
// characters. Admins and slots in off mode are never gated.
func AdmitSynthesis(caller voice.Caller, slot voice.Slot, chars int) error {
	if caller.IsAdmin {
		return nil
	}
	switch slot.QuotaMode {
	case voice.QuotaCount:
		if slot.CallLimit > 0 && slot.CallUsed >= slot.CallLimit {
			return &voice.LimitError{Cap: voice.CapCalls, Limit: int64(slot.CallLimit), Used: int64(slot.CallUsed), Requested: 1}
		}
	case voice.QuotaToken:
		if slot.TokenLimit > 0 && slot.TokenUsed+int64(chars) > slot.TokenLimit {
			return &voice.LimitError{Cap: voice.CapTokens, Limit: slot.TokenLimit, Used: slot.TokenUsed, Requested: int64(chars)}
		}
	case voice.QuotaOff:
	}
	return nil
}

// ChargeSynthesis commits a successful synthesize to the slot counters that
// its quota mode meters.
func (s *Service) ChargeSynthesis(ctx context.Context, slot voice.Slot, chars int) error {
	var calls int
	var tokens int64
	switch slot.QuotaMode {
	case voice.QuotaCount:
		calls = 1
	case voice.QuotaToken:
		tokens = int64(chars)
	case voice.QuotaOff:
		return nil
	}
	return translate(s.store.IncrementSlotUsage(ctx, slot.SlotID, calls, tokens))
}

// History returns the slot's clone history, newest first.
func (s *Service) History(ctx context.Context, caller voice.Caller, slotID string) ([]voice.CloneRecord, error) {
	slot, err := s.Get(ctx, caller, slotID)
	if err != nil {
		return nil, err
	}
	return s.store.ListCloneRecords(ctx, slot.SlotID)
}
