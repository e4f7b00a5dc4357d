package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voiceslot/internal/providers"
	"voiceslot/internal/slots"
	"voiceslot/internal/voice"
)

type CloneRequest struct {
	// SlotID selects a reclone; empty creates a new slot.
	SlotID    string
	AudioURLs []string
	Name      string
	AgentID   string
}

type CloneResult struct {
	Slot          voice.Slot `json:"slot"`
	Created       bool       `json:"created"`
	FilesAccepted int        `json:"filesAccepted"`
	FilesSkipped  int        `json:"filesSkipped"`
}

// CloneCreateOrUpdate clones a voice into a new slot or rebinds an existing
// one. Each successful attempt counts one clone regardless of how many audio
// files the provider accepted.
func (o *Orchestrator) CloneCreateOrUpdate(ctx context.Context, caller voice.Caller, req CloneRequest) (CloneResult, error) {
	urls := cleanURLs(req.AudioURLs)
	if len(urls) == 0 {
		return CloneResult{}, fmt.Errorf("%w: at least one audio url is required", voice.ErrInvalidInput)
	}
	req.AudioURLs = urls
	req.Name = strings.TrimSpace(req.Name)
	req.SlotID = strings.TrimSpace(req.SlotID)
	if req.SlotID == "" {
		return o.cloneNew(ctx, caller, req)
	}
	return o.reclone(ctx, caller, req)
}

func (o *Orchestrator) cloneNew(ctx context.Context, caller voice.Caller, req CloneRequest) (CloneResult, error) {
	if req.Name == "" {
		return CloneResult{}, fmt.Errorf("%w: name is required for a new voice", voice.ErrInvalidInput)
	}
	limit, err := o.quota.AdmitNewSlot(ctx, caller)
	if err != nil {
		return CloneResult{}, o.reject(voice.EndpointClone, err)
	}
	if err := o.throttle(ctx, caller, voice.EndpointClone); err != nil {
		return CloneResult{}, o.reject(voice.EndpointClone, err)
	}

	start := o.now()
	res, err := o.callClone(ctx, caller, req.AudioURLs)
	if err != nil {
		return CloneResult{}, err
	}

	slot, err := o.slots.CreateFromClone(ctx, caller, slots.ClonedVoice{VoiceID: res.VoiceID, PreviewURL: res.PreviewURL, Name: req.Name}, limit)
	if err != nil {
		o.orphaned(caller, "", res.VoiceID, err)
		if _, ok := voice.CapOf(err); ok {
			return CloneResult{}, o.reject(voice.EndpointClone, err)
		}
		o.count(voice.EndpointClone, "commit_error")
		return CloneResult{}, err
	}
	o.mirror.Refresh(ctx, slot.SlotID, req.Name, "clone_create")
	o.record(ctx, voice.UsageRecord{
		UserID:     caller.UserID,
		AgentID:    req.AgentID,
		Endpoint:   voice.EndpointClone,
		CostCalls:  1,
		DurationMs: elapsedMs(start, o.now()),
		SlotID:     slot.SlotID,
		CreatedAt:  o.now().UTC(),
	})
	o.count(voice.EndpointClone, "ok")
	o.logger.Info().
		Int64("user_id", caller.UserID).
		Str("slot_id", slot.SlotID).
		Int("files_accepted", res.FilesAccepted).
		Msg("voice cloned into new slot")
	return CloneResult{Slot: slot, Created: true, FilesAccepted: res.FilesAccepted, FilesSkipped: res.FilesSkipped}, nil
}

func (o *Orchestrator) reclone(ctx context.Context, caller voice.Caller, req CloneRequest) (CloneResult, error) {
	slot, err := o.slots.Get(ctx, caller, req.SlotID)
	if err != nil {
		return CloneResult{}, err
	}
	if slot.Status == voice.StatusDisabled {
		return CloneResult{}, o.reject(voice.EndpointClone, voice.ErrSlotDisabled)
	}
	if !caller.IsAdmin && slot.CloneLimit > 0 && slot.CloneUsed >= slot.CloneLimit {
		return CloneResult{}, o.reject(voice.EndpointClone, &voice.LimitError{
			Cap:       voice.CapClones,
			Limit:     int64(slot.CloneLimit),
			Used:      int64(slot.CloneUsed),
			Requested: 1,
		})
	}
	if err := o.throttle(ctx, caller, voice.EndpointClone); err != nil {
		return CloneResult{}, o.reject(voice.EndpointClone, err)
	}

	start := o.now()
	res, err := o.callClone(ctx, caller, req.AudioURLs)
	if err != nil {
		return CloneResult{}, err
	}

	updated, err := o.slots.CommitReclone(ctx, caller, slot, slots.ClonedVoice{VoiceID: res.VoiceID, PreviewURL: res.PreviewURL, Name: req.Name})
	if err != nil {
		o.orphaned(caller, slot.SlotID, res.VoiceID, err)
		if _, ok := voice.CapOf(err); ok || errors.Is(err, voice.ErrSlotDisabled) {
			return CloneResult{}, o.reject(voice.EndpointClone, err)
		}
		o.count(voice.EndpointClone, "commit_error")
		return CloneResult{}, err
	}
	o.mirror.Refresh(ctx, updated.SlotID, req.Name, "clone_update")
	o.record(ctx, voice.UsageRecord{
		UserID:     caller.UserID,
		AgentID:    req.AgentID,
		Endpoint:   voice.EndpointClone,
		CostCalls:  1,
		DurationMs: elapsedMs(start, o.now()),
		SlotID:     updated.SlotID,
		CreatedAt:  o.now().UTC(),
	})
	o.count(voice.EndpointClone, "ok")
	o.logger.Info().
		Int64("user_id", caller.UserID).
		Str("slot_id", updated.SlotID).
		Int("clone_used", updated.CloneUsed).
		Msg("slot recloned")
	return CloneResult{Slot: updated, FilesAccepted: res.FilesAccepted, FilesSkipped: res.FilesSkipped}, nil
}

func (o *Orchestrator) callClone(ctx context.Context, caller voice.Caller, urls []string) (providers.CloneResult, error) {
	key := o.providerKey(ctx, caller.UserID)
	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	res, err := o.provider.Clone(pctx, providers.CloneRequest{AudioURLs: urls, APIKey: key})
	if err == nil && strings.TrimSpace(res.VoiceID) == "" {
		err = fmt.Errorf("%w: provider returned no voice id", voice.ErrCloneFailed)
	}
	if err != nil {
		o.count(voice.EndpointClone, "provider_error")
		o.logger.Warn().Err(err).Int64("user_id", caller.UserID).Int("files", len(urls)).Msg("provider clone failed")
		return providers.CloneResult{}, providerError(err)
	}
	res.VoiceID = strings.TrimSpace(res.VoiceID)
	return res, nil
}

// orphaned logs an upstream voice that was created but could not be committed.
func (o *Orchestrator) orphaned(caller voice.Caller, slotID, voiceID string, err error) {
	o.logger.Error().Err(err).
		Int64("user_id", caller.UserID).
		Str("slot_id", slotID).
		Str("voice_id", voiceID).
		Msg("clone commit failed; provider voice is orphaned")
}
