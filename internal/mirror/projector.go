// Package mirror keeps the voice catalog in line with slot state so a cloned
// slot can be selected like any shared voice.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"voiceslot/internal/metrics"
	"voiceslot/internal/queue"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

const (
	DefaultLanguage  = "zh"
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// Enqueuer schedules an asynchronous reconcile after a best-effort refresh failed.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.MirrorJob) (string, error)
}

// Gate suppresses duplicate pending reconcile jobs for one slot.
type Gate interface {
	MarkFirst(ctx context.Context, slotID string) (bool, error)
	Release(ctx context.Context, slotID string) error
}

type Projector struct {
	store    *storage.Store
	cache    *expirable.LRU[string, voice.CatalogEntry]
	queue    Enqueuer
	gate     Gate
	language string
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

type Config struct {
	Store *storage.Store
	// Queue and Gate are optional; without a queue failed refreshes are only logged.
	Queue     Enqueuer
	Gate      Gate
	Language  string
	CacheSize int
	CacheTTL  time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

func New(cfg Config) *Projector {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Projector{
		store:    cfg.Store,
		cache:    expirable.NewLRU[string, voice.CatalogEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		queue:    cfg.Queue,
		gate:     cfg.Gate,
		language: cfg.Language,
		logger:   cfg.Logger.With().Str("component", "mirror").Logger(),
		metrics:  m,
	}
}

func defaultName(slotID string) string {
	return "Slot " + slotID
}

// Upsert writes the catalog row for slot. An empty name keeps the existing
// display name, or falls back to "Slot <id>" for a new row.
func (p *Projector) Upsert(ctx context.Context, slot voice.Slot, name string, public bool) error {
	if !slot.Mirrorable() {
		return fmt.Errorf("%w: slot %s has no model or voice to mirror", voice.ErrInvalidInput, slot.SlotID)
	}
	name = strings.TrimSpace(name)
	languages := p.language
	existing, err := p.store.GetCatalogEntry(ctx, slot.SlotID)
	switch {
	case err == nil:
		if name == "" {
			name = existing.Name
		}
		if existing.Languages != "" {
			languages = existing.Languages
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("load mirror: %w", err)
	}
	if name == "" {
		name = defaultName(slot.SlotID)
	}
	owner := slot.UserID
	entry := voice.CatalogEntry{
		ID:          slot.SlotID,
		ModelID:     slot.ModelID,
		VoiceID:     slot.VoiceID,
		Name:        name,
		Languages:   languages,
		PreviewURL:  slot.PreviewURL,
		OwnerUserID: &owner,
		Public:      public,
	}
	if err := p.store.UpsertCatalogEntry(ctx, entry); err != nil {
		return fmt.Errorf("upsert mirror: %w", err)
	}
	p.cache.Remove(slot.SlotID)
	return nil
}

// Sync derives the catalog row from the slot's current state: it is written
// when the slot has a model and a voice and removed otherwise.
func (p *Projector) Sync(ctx context.Context, slotID, name string) error {
	slot, err := p.store.GetSlot(ctx, slotID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.Remove(ctx, slotID)
	}
	if err != nil {
		return fmt.Errorf("load slot: %w", err)
	}
	if !slot.Mirrorable() {
		return p.Remove(ctx, slotID)
	}
	return p.Upsert(ctx, slot, name, slot.Status == voice.StatusPublic)
}

func (p *Projector) Reconcile(ctx context.Context, slotID string) error {
	return p.Sync(ctx, slotID, "")
}

// Remove deletes the catalog row. Missing rows are not an error.
func (p *Projector) Remove(ctx context.Context, slotID string) error {
	if err := p.store.DeleteCatalogEntry(ctx, slotID); err != nil {
		return fmt.Errorf("remove mirror: %w", err)
	}
	p.cache.Remove(slotID)
	return nil
}

// Forget drops a cached lookup after the row was removed elsewhere.
func (p *Projector) Forget(slotID string) {
	p.cache.Remove(slotID)
}

// Refresh is Sync for callers that must not fail on mirror errors. Failures
// are logged, counted and handed to the reconcile queue when one is set.
func (p *Projector) Refresh(ctx context.Context, slotID, name, reason string) {
	err := p.Sync(ctx, slotID, name)
	if err == nil {
		return
	}
	p.metrics.MirrorFailures.WithLabelValues(reason).Inc()
	p.logger.Error().Err(err).Str("slot_id", slotID).Str("reason", reason).Msg("mirror refresh failed")
	p.schedule(ctx, slotID, name, reason)
}

func (p *Projector) schedule(ctx context.Context, slotID, name, reason string) {
	if p.queue == nil {
		return
	}
	if p.gate != nil {
		first, err := p.gate.MarkFirst(ctx, slotID)
		if err != nil {
			p.logger.Warn().Err(err).Str("slot_id", slotID).Msg("mirror dedupe unavailable")
		} else if !first {
			return
		}
	}
	if _, err := p.queue.Enqueue(ctx, queue.MirrorJob{SlotID: slotID, Name: name, Reason: reason}); err != nil {
		p.logger.Error().Err(err).Str("slot_id", slotID).Msg("failed to enqueue mirror reconcile")
		if p.gate != nil {
			_ = p.gate.Release(ctx, slotID)
		}
		return
	}
	p.metrics.EnqueuedJobs.Inc()
}

// ProcessJob runs a queued reconcile. The dedupe mark is cleared first so a
// later failure can schedule a fresh job.
func (p *Projector) ProcessJob(ctx context.Context, job queue.MirrorJob) error {
	if p.gate != nil {
		if err := p.gate.Release(ctx, job.SlotID); err != nil {
			p.logger.Warn().Err(err).Str("slot_id", job.SlotID).Msg("failed to release mirror dedupe mark")
		}
	}
	return p.Sync(ctx, job.SlotID, job.Name)
}

// Lookup resolves a catalog id the caller may select. Rows the caller cannot
// see are reported as not found.
func (p *Projector) Lookup(ctx context.Context, caller voice.Caller, id string) (voice.CatalogEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return voice.CatalogEntry{}, voice.ErrNotFound
	}
	entry, ok := p.cache.Get(id)
	if !ok {
		var err error
		entry, err = p.store.GetCatalogEntry(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return voice.CatalogEntry{}, voice.ErrNotFound
		}
		if err != nil {
			return voice.CatalogEntry{}, fmt.Errorf("lookup catalog: %w", err)
		}
		p.cache.Add(id, entry)
	}
	if !entry.VisibleTo(caller) {
		return voice.CatalogEntry{}, voice.ErrNotFound
	}
	return entry, nil
}

// List returns the catalog rows the caller may select.
func (p *Projector) List(ctx context.Context, caller voice.Caller) ([]voice.CatalogEntry, error) {
	f := storage.CatalogFilter{}
	if !caller.IsAdmin {
		f.VisibleTo = &caller.UserID
	}
	out, err := p.store.ListCatalog(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return out, nil
}

type Status struct {
	SlotID string `json:"slotId"`
	Exists bool   `json:"exists"`
	Public bool   `json:"public"`
	Name   string `json:"name,omitempty"`
}

func (p *Projector) Status(ctx context.Context, slotID string) (Status, error) {
	entry, err := p.store.GetCatalogEntry(ctx, slotID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{SlotID: slotID}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("mirror status: %w", err)
	}
	return Status{SlotID: slotID, Exists: true, Public: entry.Public, Name: entry.Name}, nil
}

// PutPlatformVoice registers a shared voice that belongs to no user.
func (p *Projector) PutPlatformVoice(ctx context.Context, caller voice.Caller, e voice.CatalogEntry) error {
	if !caller.IsAdmin {
		return voice.ErrForbidden
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.VoiceID) == "" || strings.TrimSpace(e.ModelID) == "" {
		return fmt.Errorf("%w: catalog entry needs id, model and voice", voice.ErrInvalidInput)
	}
	if _, err := p.store.GetSlot(ctx, e.ID); err == nil {
		return fmt.Errorf("%w: id %s belongs to a slot", voice.ErrInvalidInput, e.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check slot id: %w", err)
	}
	if strings.TrimSpace(e.Name) == "" {
		e.Name = e.ID
	}
	if e.Languages == "" {
		e.Languages = p.language
	}
	e.OwnerUserID = nil
	e.Public = true
	if err := p.store.UpsertCatalogEntry(ctx, e); err != nil {
		return fmt.Errorf("put platform voice: %w", err)
	}
	p.cache.Remove(e.ID)
	return nil
}
