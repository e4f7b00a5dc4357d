package storage

import (
	"database/sql"
	"fmt"
	"time"

	"voiceslot/internal/voice"
)

// SlotPatch lists the slot columns an update may touch. Nil fields are left alone.
type SlotPatch struct {
	ModelID    *string
	VoiceID    *string
	PreviewURL *string
	QuotaMode  *voice.QuotaMode
	CloneLimit *int
	CallLimit  *int
	TokenLimit *int64
	Status     *voice.Status
}

func (p SlotPatch) empty() bool {
	return p.ModelID == nil && p.VoiceID == nil && p.PreviewURL == nil && p.QuotaMode == nil &&
		p.CloneLimit == nil && p.CallLimit == nil && p.TokenLimit == nil && p.Status == nil
}

// RecloneCommit is the write applied after a successful reclone.
type RecloneCommit struct {
	SlotID     string
	VoiceID    string
	PreviewURL string
	At         time.Time
	// EnforceLimit guards the increment with clone_used < clone_limit.
	EnforceLimit bool
	Record       voice.CloneRecord
}

// QuotaPatch updates per-user limits. SlotsSet with a nil Slots clears the override.
type QuotaPatch struct {
	CharLimit *int64
	CallLimit *int64
	SlotsSet  bool
	Slots     *int
}

type UsageFilter struct {
	UserID   *int64
	Endpoint string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// UsageGroup is one (user, endpoint) bucket of the usage ledger.
type UsageGroup struct {
	UserID     int64
	Endpoint   string
	Chars      int64
	Calls      int64
	DurationMs int64
	Records    int64
}

type CatalogFilter struct {
	// VisibleTo restricts the list to public rows and rows owned by the user.
	VisibleTo *int64
	OwnerID   *int64
}

var slotColumns = []string{
	"slot_id", "user_id", "model_id", "voice_id", "preview_url", "quota_mode",
	"clone_limit", "clone_used", "call_limit", "call_used", "token_limit", "token_used",
	"status", "last_cloned_at", "created_at", "updated_at",
}

func scanSlot(row scanner) (voice.Slot, error) {
	var s voice.Slot
	var modelID, voiceID, previewURL sql.NullString
	var mode, status string
	var lastCloned sql.NullTime
	if err := row.Scan(
		&s.SlotID,
		&s.UserID,
		&modelID,
		&voiceID,
		&previewURL,
		&mode,
		&s.CloneLimit,
		&s.CloneUsed,
		&s.CallLimit,
		&s.CallUsed,
		&s.TokenLimit,
		&s.TokenUsed,
		&status,
		&lastCloned,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return voice.Slot{}, err
	}
	s.ModelID = modelID.String
	s.VoiceID = voiceID.String
	s.PreviewURL = previewURL.String
	qm, err := voice.ParseQuotaMode(mode)
	if err != nil {
		return voice.Slot{}, fmt.Errorf("slot %s: %w", s.SlotID, err)
	}
	s.QuotaMode = qm
	s.Status = voice.Status(status)
	if lastCloned.Valid {
		t := lastCloned.Time
		s.LastClonedAt = &t
	}
	return s, nil
}

var usageColumns = []string{
	"id", "user_id", "agent_id", "endpoint", "cost_chars", "cost_calls", "duration_ms", "slot_id", "created_at",
}

func scanUsage(row scanner) (voice.UsageRecord, error) {
	var u voice.UsageRecord
	var agentID, slotID sql.NullString
	if err := row.Scan(&u.ID, &u.UserID, &agentID, &u.Endpoint, &u.CostChars, &u.CostCalls, &u.DurationMs, &slotID, &u.CreatedAt); err != nil {
		return voice.UsageRecord{}, err
	}
	u.AgentID = agentID.String
	u.SlotID = slotID.String
	return u, nil
}

var catalogColumns = []string{
	"id", "model_id", "voice_id", "name", "languages", "preview_url", "owner_user_id", "is_public", "created_at", "updated_at",
}

func scanCatalog(row scanner) (voice.CatalogEntry, error) {
	var e voice.CatalogEntry
	var previewURL sql.NullString
	var owner sql.NullInt64
	if err := row.Scan(&e.ID, &e.ModelID, &e.VoiceID, &e.Name, &e.Languages, &previewURL, &owner, &e.Public, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return voice.CatalogEntry{}, err
	}
	e.PreviewURL = previewURL.String
	if owner.Valid {
		id := owner.Int64
		e.OwnerUserID = &id
	}
	return e, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
