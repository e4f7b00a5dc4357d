package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"voiceslot/internal/providers"
	"voiceslot/internal/slots"
	"voiceslot/internal/voice"
)

type SynthesizeRequest struct {
	// SlotID names a slot of the caller. When empty, VoiceRef is tried as a
	// slot id, then as a catalog id, then as a provider voice id.
	SlotID   string
	VoiceRef string
	Text     string
	AgentID  string
}

type SynthesizeResult struct {
	Audio   []byte
	VoiceID string
	// SlotID is set when the request was metered against a slot.
	SlotID string
	Chars  int
}

type resolved struct {
	voiceID string
	slot    *voice.Slot
}

func (o *Orchestrator) resolve(ctx context.Context, caller voice.Caller, req SynthesizeRequest) (resolved, error) {
	if id := strings.TrimSpace(req.SlotID); id != "" {
		slot, err := o.slots.Get(ctx, caller, id)
		if err != nil {
			return resolved{}, err
		}
		return resolvedSlot(slot)
	}
	ref := strings.TrimSpace(req.VoiceRef)
	if ref == "" {
		return resolved{}, fmt.Errorf("%w: a slot or voice is required", voice.ErrInvalidInput)
	}
	slot, err := o.slots.Get(ctx, caller, ref)
	switch {
	case err == nil:
		return resolvedSlot(slot)
	case !errors.Is(err, voice.ErrNotFound):
		return resolved{}, err
	}
	entry, err := o.mirror.Lookup(ctx, caller, ref)
	switch {
	case err == nil:
		return resolved{voiceID: entry.VoiceID}, nil
	case !errors.Is(err, voice.ErrNotFound):
		return resolved{}, err
	}
	return resolved{voiceID: ref}, nil
}

func resolvedSlot(slot voice.Slot) (resolved, error) {
	if slot.Status == voice.StatusDisabled {
		return resolved{}, voice.ErrSlotDisabled
	}
	if !slot.HasVoice() {
		return resolved{}, voice.ErrNotClonedYet
	}
	return resolved{voiceID: slot.VoiceID, slot: &slot}, nil
}

// Synthesize speaks text with a slot, catalog or provider voice. Only slot
// voices are metered against the slot's own budget; every success is
// recorded in the usage ledger.
func (o *Orchestrator) Synthesize(ctx context.Context, caller voice.Caller, req SynthesizeRequest) (SynthesizeResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return SynthesizeResult{}, fmt.Errorf("%w: text is required", voice.ErrInvalidInput)
	}
	chars := utf8.RuneCountInString(req.Text)

	r, err := o.resolve(ctx, caller, req)
	if err != nil {
		if errors.Is(err, voice.ErrSlotDisabled) {
			return SynthesizeResult{}, o.reject(voice.EndpointTTS, err)
		}
		return SynthesizeResult{}, err
	}
	if r.slot != nil {
		if err := slots.AdmitSynthesis(caller, *r.slot, chars); err != nil {
			return SynthesizeResult{}, o.reject(voice.EndpointTTS, err)
		}
	}
	if err := o.throttle(ctx, caller, voice.EndpointTTS); err != nil {
		return SynthesizeResult{}, o.reject(voice.EndpointTTS, err)
	}

	start := o.now()
	key := o.providerKey(ctx, caller.UserID)
	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	audio, err := o.provider.Synthesize(pctx, providers.SynthesizeRequest{Text: req.Text, VoiceID: r.voiceID, APIKey: key})
	cancel()
	if err != nil {
		o.count(voice.EndpointTTS, "provider_error")
		o.logger.Warn().Err(err).Int64("user_id", caller.UserID).Str("voice_id", r.voiceID).Msg("provider synthesize failed")
		return SynthesizeResult{}, providerError(err)
	}

	out := SynthesizeResult{Audio: audio, VoiceID: r.voiceID, Chars: chars}
	if r.slot != nil {
		out.SlotID = r.slot.SlotID
		if err := o.slots.ChargeSynthesis(ctx, *r.slot, chars); err != nil {
			o.logger.Error().Err(err).
				Int64("user_id", caller.UserID).
				Str("slot_id", r.slot.SlotID).
				Int("chars", chars).
				Msg("slot usage increment lost")
		}
	}
	o.record(ctx, voice.UsageRecord{
		UserID:     caller.UserID,
		AgentID:    req.AgentID,
		Endpoint:   voice.EndpointTTS,
		CostChars:  chars,
		CostCalls:  1,
		DurationMs: elapsedMs(start, o.now()),
		SlotID:     out.SlotID,
		CreatedAt:  o.now().UTC(),
	})
	o.count(voice.EndpointTTS, "ok")
	return out, nil
}
