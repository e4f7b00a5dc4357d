// Package voice holds the domain types shared by the slot, quota, ledger and
// mirror services.
package voice

import (
	"fmt"
	"strings"
	"time"
)

// Caller identifies who is performing an operation. Admin callers bypass
// every per-user and per-slot cap.
type Caller struct {
	UserID  int64
	IsAdmin bool
}

func User(id int64) Caller  { return Caller{UserID: id} }
func Admin(id int64) Caller { return Caller{UserID: id, IsAdmin: true} }

type Status string

const (
	StatusEmpty    Status = "empty"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusPublic   Status = "public"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusEmpty:
		return StatusEmpty, nil
	case StatusActive:
		return StatusActive, nil
	case StatusDisabled:
		return StatusDisabled, nil
	case StatusPublic:
		return StatusPublic, nil
	default:
		return "", fmt.Errorf("%w: unknown slot status %q", ErrInvalidInput, s)
	}
}

// QuotaMode is the billing discipline applied to synthesize calls against a slot.
type QuotaMode int

const (
	QuotaOff QuotaMode = iota
	QuotaCount
	// QuotaToken also covers the legacy "char" mode; a token is one character of input text.
	QuotaToken
)

func (m QuotaMode) String() string {
	switch m {
	case QuotaCount:
		return "count"
	case QuotaToken:
		return "token"
	default:
		return "off"
	}
}

// ParseQuotaMode accepts off, count, token and char. An empty string is off.
func ParseQuotaMode(s string) (QuotaMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return QuotaOff, nil
	case "count":
		return QuotaCount, nil
	case "token", "char", "chars":
		return QuotaToken, nil
	default:
		return QuotaOff, fmt.Errorf("%w: unknown quota mode %q", ErrInvalidInput, s)
	}
}

type Slot struct {
	SlotID       string     `json:"slotId"`
	UserID       int64      `json:"userId"`
	ModelID      string     `json:"ttsModelId,omitempty"`
	VoiceID      string     `json:"voiceId,omitempty"`
	PreviewURL   string     `json:"previewUrl,omitempty"`
	QuotaMode    QuotaMode  `json:"-"`
	CloneLimit   int        `json:"cloneLimit"`
	CloneUsed    int        `json:"cloneUsed"`
	CallLimit    int        `json:"ttsCallLimit"`
	CallUsed     int        `json:"ttsCallUsed"`
	TokenLimit   int64      `json:"ttsTokenLimit"`
	TokenUsed    int64      `json:"ttsTokenUsed"`
	Status       Status     `json:"status"`
	LastClonedAt *time.Time `json:"lastClonedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// HasVoice reports whether the slot is bound to an upstream voice.
func (s Slot) HasVoice() bool { return strings.TrimSpace(s.VoiceID) != "" }

// Mirrorable reports whether the slot carries everything a catalog row needs.
func (s Slot) Mirrorable() bool {
	return s.HasVoice() && strings.TrimSpace(s.ModelID) != ""
}

type Quota struct {
	UserID    int64     `json:"userId"`
	CharLimit int64     `json:"charLimit"`
	CallLimit int64     `json:"callLimit"`
	CharUsed  int64     `json:"charUsed"`
	CallUsed  int64     `json:"callUsed"`
	Slots     *int      `json:"slots"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	EndpointClone = "clone"
	EndpointTTS   = "tts"
	// EndpointTest is only present on historical rows.
	EndpointTest = "test"
)

type UsageRecord struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	AgentID    string    `json:"agentId,omitempty"`
	Endpoint   string    `json:"endpoint"`
	CostChars  int       `json:"costChars"`
	CostCalls  int       `json:"costCalls"`
	DurationMs int       `json:"durationMs"`
	SlotID     string    `json:"slotId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CloneRecord struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	SlotID     string    `json:"slotId"`
	VoiceID    string    `json:"voiceId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	PreviewURL string    `json:"previewUrl,omitempty"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CatalogEntry is a selectable voice. Mirror rows reuse the slot id as their id.
type CatalogEntry struct {
	ID          string    `json:"id"`
	ModelID     string    `json:"ttsModelId"`
	VoiceID     string    `json:"ttsVoice"`
	Name        string    `json:"name"`
	Languages   string    `json:"languages"`
	PreviewURL  string    `json:"voiceDemo,omitempty"`
	OwnerUserID *int64    `json:"ownerUserId,omitempty"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// VisibleTo reports whether c may select the entry.
func (e CatalogEntry) VisibleTo(c Caller) bool {
	if c.IsAdmin || e.Public {
		return true
	}
	return e.OwnerUserID != nil && *e.OwnerUserID == c.UserID
}

type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsEnabled bool   `json:"isEnabled"`
	IsDefault bool   `json:"isDefault"`
	Sort      int    `json:"sort"`
}

// Optional distinguishes a field that was not supplied from one explicitly set to null.
type Optional[T any] struct {
	Set   bool
	Valid bool
	Value T
}

func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Valid: true, Value: v} }
func Null[T any]() Optional[T]    { return Optional[T]{Set: true} }

// Ptr returns nil for null and unset values.
func (o Optional[T]) Ptr() *T {
	if !o.Set || !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}
