package slots

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voiceslot/internal/mirror"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

type fixture struct {
	store  *storage.Store
	mirror *mirror.Projector
	svc    *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "slots.db") + "?_time_format=sqlite"
	store, err := storage.Open(context.Background(), "sqlite", dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p := mirror.New(mirror.Config{Store: store, Logger: zerolog.Nop()})
	return fixture{
		store:  store,
		mirror: p,
		svc:    New(Config{Store: store, Mirror: p, Logger: zerolog.Nop()}),
	}
}

func (f fixture) seedModels(t *testing.T, models ...voice.Model) {
	t.Helper()
	for _, m := range models {
		m.IsEnabled = true
		require.NoError(t, f.store.UpsertModel(context.Background(), m))
	}
}

func (f fixture) clonedSlot(t *testing.T, userID int64, voiceID string) voice.Slot {
	t.Helper()
	slot, err := f.svc.CreateFromClone(context.Background(), voice.User(userID), ClonedVoice{VoiceID: voiceID, Name: "mine"}, 0)
	require.NoError(t, err)
	return slot
}

func TestNewSlotID(t *testing.T) {
	a, b := NewSlotID(), NewSlotID()
	require.Len(t, a, 32)
	require.NotContains(t, a, "-")
	require.NotEqual(t, a, b)
}

func TestAllocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Allocate(ctx, voice.User(1), AllocateRequest{UserID: 1})
	require.ErrorIs(t, err, voice.ErrForbidden)

	_, err = f.svc.Allocate(ctx, voice.Admin(9), AllocateRequest{UserID: 1, CloneLimit: -1})
	require.ErrorIs(t, err, voice.ErrInvalidInput)

	out, err := f.svc.Allocate(ctx, voice.Admin(9), AllocateRequest{UserID: 1, Count: 0, CloneLimit: 3, QuotaMode: voice.QuotaCount, CallLimit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1, "count below one allocates a single slot")

	out, err = f.svc.Allocate(ctx, voice.Admin(9), AllocateRequest{UserID: 1, Count: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)

	list, err := f.svc.ListOwned(ctx, 1, voice.StatusEmpty)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, s := range list {
		require.Equal(t, voice.StatusEmpty, s.Status)
		require.False(t, s.HasVoice())
	}
}

func TestGetHidesForeignSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")

	_, err := f.svc.GetOwned(ctx, 2, slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)
	_, err = f.svc.Get(ctx, voice.User(2), slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)
	_, err = f.svc.Get(ctx, voice.User(1), "missing")
	require.ErrorIs(t, err, voice.ErrNotFound)

	got, err := f.svc.Get(ctx, voice.Admin(9), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.UserID)
}

func TestCreateFromClone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedModels(t, voice.Model{ID: "basic", Sort: 1})

	slot, err := f.svc.CreateFromClone(ctx, voice.User(1), ClonedVoice{VoiceID: "v1", PreviewURL: "https://p/1", Name: "mine"}, 3)
	require.NoError(t, err)
	require.Equal(t, voice.StatusActive, slot.Status)
	require.Equal(t, 1, slot.CloneUsed)
	require.Equal(t, DefaultCloneLimit, slot.CloneLimit)
	require.Equal(t, voice.QuotaToken, slot.QuotaMode)
	require.Equal(t, "basic", slot.ModelID)

	history, err := f.svc.History(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "mine", history[0].Name)

	admin, err := f.svc.CreateFromClone(ctx, voice.Admin(9), ClonedVoice{VoiceID: "v2"}, 1)
	require.NoError(t, err)
	require.Equal(t, 0, admin.CloneLimit, "admin slots have no reclone cap")

	// The cap is re-checked at commit time.
	_, err = f.svc.CreateFromClone(ctx, voice.User(1), ClonedVoice{VoiceID: "v3"}, 1)
	require.ErrorIs(t, err, voice.ErrQuotaExceeded)
	c, ok := voice.CapOf(err)
	require.True(t, ok)
	require.Equal(t, voice.CapSlots, c)
}

func TestCommitReclone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")
	limit := 2
	slot, err := f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{CloneLimit: &limit})
	require.NoError(t, err)

	slot, err = f.svc.CommitReclone(ctx, voice.User(1), slot, ClonedVoice{VoiceID: "v2"})
	require.NoError(t, err)
	require.Equal(t, 2, slot.CloneUsed)
	require.Equal(t, "v2", slot.VoiceID)

	_, err = f.svc.CommitReclone(ctx, voice.User(1), slot, ClonedVoice{VoiceID: "v3"})
	require.ErrorIs(t, err, voice.ErrCloneLimitExceeded)

	slot, err = f.svc.CommitReclone(ctx, voice.Admin(9), slot, ClonedVoice{VoiceID: "v3"})
	require.NoError(t, err)
	require.Equal(t, 3, slot.CloneUsed)

	history, err := f.svc.History(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "v3", history[0].VoiceID)

	disabled := voice.StatusDisabled
	_, err = f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{Status: &disabled})
	require.NoError(t, err)
	_, err = f.svc.CommitReclone(ctx, voice.Admin(9), slot, ClonedVoice{VoiceID: "v4"})
	require.ErrorIs(t, err, voice.ErrSlotDisabled)
}

func TestAdmitAndChargeSynthesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")

	limit := int64(100)
	slot, err := f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{TokenLimit: &limit})
	require.NoError(t, err)
	require.NoError(t, f.svc.ChargeSynthesis(ctx, slot, 95))
	slot, err = f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, int64(95), slot.TokenUsed)

	require.ErrorIs(t, AdmitSynthesis(voice.User(1), slot, 10), voice.ErrTokenLimitExceeded)
	require.NoError(t, AdmitSynthesis(voice.User(1), slot, 5))
	require.NoError(t, AdmitSynthesis(voice.Admin(9), slot, 10))

	count := voice.QuotaCount
	calls := 1
	slot, err = f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{QuotaMode: &count, CallLimit: &calls})
	require.NoError(t, err)
	require.NoError(t, AdmitSynthesis(voice.User(1), slot, 1000))
	require.NoError(t, f.svc.ChargeSynthesis(ctx, slot, 1000))
	slot, err = f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, 1, slot.CallUsed)
	require.Equal(t, int64(95), slot.TokenUsed)
	require.ErrorIs(t, AdmitSynthesis(voice.User(1), slot, 1), voice.ErrCallLimitExceeded)

	off := voice.QuotaOff
	slot, err = f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{QuotaMode: &off})
	require.NoError(t, err)
	require.NoError(t, AdmitSynthesis(voice.User(1), slot, 1000))
	require.NoError(t, f.svc.ChargeSynthesis(ctx, slot, 1000))
	slot, err = f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, 1, slot.CallUsed)
}

func TestUpdateAdminSettingsKeepsStatusInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := voice.Admin(9)

	empty, err := f.svc.Allocate(ctx, admin, AllocateRequest{UserID: 1})
	require.NoError(t, err)
	cloned := f.clonedSlot(t, 1, "v1")

	active, emptyStatus, public := voice.StatusActive, voice.StatusEmpty, voice.StatusPublic
	_, err = f.svc.UpdateAdminSettings(ctx, admin, empty[0].SlotID, Settings{Status: &active})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = f.svc.UpdateAdminSettings(ctx, admin, cloned.SlotID, Settings{Status: &emptyStatus})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = f.svc.UpdateAdminSettings(ctx, admin, cloned.SlotID, Settings{Status: &public})
	require.ErrorIs(t, err, voice.ErrInvalidInput)

	_, err = f.svc.UpdateAdminSettings(ctx, voice.User(1), cloned.SlotID, Settings{Status: &active})
	require.ErrorIs(t, err, voice.ErrForbidden)

	neg := -1
	_, err = f.svc.UpdateAdminSettings(ctx, admin, cloned.SlotID, Settings{CallLimit: &neg})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
}

func TestBindModelRefreshesMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")

	_, err := f.svc.BindModel(ctx, voice.User(1), slot.SlotID, " ", "")
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = f.svc.BindModel(ctx, voice.User(2), slot.SlotID, "m1", "")
	require.ErrorIs(t, err, voice.ErrNotFound)

	slot, err = f.svc.BindModel(ctx, voice.User(1), slot.SlotID, "m1", "Grandma")
	require.NoError(t, err)
	require.Equal(t, "m1", slot.ModelID)

	e, err := f.mirror.Lookup(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, "m1", e.ModelID)
	require.Equal(t, "v1", e.VoiceID)
	require.Equal(t, "Grandma", e.Name)
	require.False(t, e.Public)

	// Model changes made by an admin are mirrored too.
	m2 := "m2"
	_, err = f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{ModelID: &m2})
	require.NoError(t, err)
	e, err = f.mirror.Lookup(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, "m2", e.ModelID)
	require.Equal(t, "Grandma", e.Name)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")
	_, err := f.svc.BindModel(ctx, voice.User(1), slot.SlotID, "m1", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, voice.User(2), slot.SlotID))
	_, err = f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.NoError(t, err, "foreign delete is a no-op")

	require.NoError(t, f.svc.Delete(ctx, voice.User(1), slot.SlotID))
	_, err = f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)

	st, err := f.mirror.Status(ctx, slot.SlotID)
	require.NoError(t, err)
	require.False(t, st.Exists)
	history, err := f.store.ListCloneRecords(ctx, slot.SlotID)
	require.NoError(t, err)
	require.Empty(t, history)

	require.NoError(t, f.svc.Delete(ctx, voice.User(1), slot.SlotID), "second delete is silent")
}

func TestSetPublicWithoutVoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedModels(t, voice.Model{ID: "m1"})

	out, err := f.svc.Allocate(ctx, voice.Admin(9), AllocateRequest{UserID: 1})
	require.NoError(t, err)

	_, err = f.svc.SetPublic(ctx, voice.Admin(9), out[0].SlotID, "")
	require.ErrorIs(t, err, voice.ErrNotClonedYet)

	got, err := f.svc.GetOwned(ctx, 1, out[0].SlotID)
	require.NoError(t, err)
	require.Equal(t, voice.StatusEmpty, got.Status)
}

func TestSetPublicAndPrivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.clonedSlot(t, 1, "v1")
	require.Empty(t, slot.ModelID, "no models seeded yet")

	_, err := f.svc.SetPublic(ctx, voice.User(1), slot.SlotID, "")
	require.ErrorIs(t, err, voice.ErrForbidden)
	_, err = f.svc.SetPublic(ctx, voice.Admin(9), slot.SlotID, "")
	require.ErrorIs(t, err, voice.ErrNoModelAvailable)

	f.seedModels(t,
		voice.Model{ID: "basic", Sort: 1},
		voice.Model{ID: "flagged", IsDefault: true, Sort: 2},
		voice.Model{ID: "TTS_IndexStream_v2", Sort: 3},
	)
	slot, err = f.svc.SetPublic(ctx, voice.Admin(9), slot.SlotID, "Narrator")
	require.NoError(t, err)
	require.Equal(t, voice.StatusPublic, slot.Status)
	require.Equal(t, "TTS_IndexStream_v2", slot.ModelID)

	e, err := f.mirror.Lookup(ctx, voice.User(2), slot.SlotID)
	require.NoError(t, err)
	require.True(t, e.Public)
	require.Equal(t, "Narrator", e.Name)

	slot, err = f.svc.SetPrivate(ctx, voice.Admin(9), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, voice.StatusActive, slot.Status)
	_, err = f.mirror.Lookup(ctx, voice.User(2), slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)
}

func TestSetPublicRejectsDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedModels(t, voice.Model{ID: "basic", IsDefault: true, Sort: 1})
	slot := f.clonedSlot(t, 1, "v1")

	disabled := voice.StatusDisabled
	_, err := f.svc.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, Settings{Status: &disabled})
	require.NoError(t, err)

	_, err = f.svc.SetPublic(ctx, voice.Admin(9), slot.SlotID, "Narrator")
	require.ErrorIs(t, err, voice.ErrSlotDisabled)

	got, err := f.svc.GetOwned(ctx, 1, slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, voice.StatusDisabled, got.Status)
	_, err = f.mirror.Lookup(ctx, voice.User(2), slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)
}

func TestDefaultModelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DefaultModel(ctx)
	require.ErrorIs(t, err, voice.ErrNoModelAvailable)

	f.seedModels(t, voice.Model{ID: "b", Sort: 2}, voice.Model{ID: "a", Sort: 1})
	m, err := f.svc.DefaultModel(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", m.ID)

	f.seedModels(t, voice.Model{ID: "c", IsDefault: true, Sort: 3})
	m, err = f.svc.DefaultModel(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", m.ID)

	f.seedModels(t, voice.Model{ID: "indexstream-lite", Sort: 9})
	m, err = f.svc.DefaultModel(ctx)
	require.NoError(t, err)
	require.Equal(t, "indexstream-lite", m.ID)
}
