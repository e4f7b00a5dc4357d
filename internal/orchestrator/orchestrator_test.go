package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voiceslot/internal/crypto"
	"voiceslot/internal/ledger"
	"voiceslot/internal/mirror"
	"voiceslot/internal/providers"
	"voiceslot/internal/queue"
	"voiceslot/internal/quota"
	"voiceslot/internal/slots"
	"voiceslot/internal/storage"
	"voiceslot/internal/voice"
)

type fakeProvider struct {
	mu         sync.Mutex
	clones     int
	syntheses  int
	next       int
	cloneErr   error
	synthErr   error
	blankVoice bool
	lastVoice  string
	lastKey    string
	deadline   time.Duration
}

func (p *fakeProvider) Clone(ctx context.Context, req providers.CloneRequest) (providers.CloneResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clones++
	p.lastKey = req.APIKey
	if d, ok := ctx.Deadline(); ok {
		p.deadline = time.Until(d)
	}
	if p.cloneErr != nil {
		return providers.CloneResult{}, p.cloneErr
	}
	if p.blankVoice {
		return providers.CloneResult{FilesAccepted: len(req.AudioURLs)}, nil
	}
	p.next++
	id := fmt.Sprintf("voice-%d", p.next)
	return providers.CloneResult{VoiceID: id, PreviewURL: "https://cdn/" + id, FilesAccepted: len(req.AudioURLs)}, nil
}

func (p *fakeProvider) Synthesize(_ context.Context, req providers.SynthesizeRequest) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syntheses++
	p.lastVoice = req.VoiceID
	p.lastKey = req.APIKey
	if p.synthErr != nil {
		return nil, p.synthErr
	}
	return []byte("RIFF" + req.VoiceID), nil
}

func (p *fakeProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clones, p.syntheses
}

type harness struct {
	store    *storage.Store
	quota    *quota.Service
	slots    *slots.Service
	ledger   *ledger.Service
	mirror   *mirror.Projector
	provider *fakeProvider
	orch     *Orchestrator
}

type option func(*Config)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "orch.db") + "?_time_format=sqlite"
	store, err := storage.Open(context.Background(), "sqlite", dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)

	log := zerolog.Nop()
	h := &harness{store: store, provider: &fakeProvider{}}
	h.quota = quota.New(quota.Config{Store: store, Keyring: keyring, Logger: log})
	h.mirror = mirror.New(mirror.Config{Store: store, Logger: log})
	h.slots = slots.New(slots.Config{Store: store, Mirror: h.mirror, Logger: log})
	h.ledger = ledger.New(ledger.Config{Store: store, Logger: log})
	cfg := Config{
		Quota:    h.quota,
		Slots:    h.slots,
		Ledger:   h.ledger,
		Mirror:   h.mirror,
		Provider: h.provider,
		Logger:   log,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) seedModel(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.UpsertModel(context.Background(), voice.Model{ID: id, IsEnabled: true, IsDefault: true}))
}

func (h *harness) clone(t *testing.T, caller voice.Caller) voice.Slot {
	t.Helper()
	res, err := h.orch.CloneCreateOrUpdate(context.Background(), caller, CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "mine"})
	require.NoError(t, err)
	return res.Slot
}

func (h *harness) usage(t *testing.T, userID int64) []voice.UsageRecord {
	t.Helper()
	rows, err := h.ledger.ListForUser(context.Background(), userID, ledger.Filter{})
	require.NoError(t, err)
	return rows
}

func (h *harness) slot(t *testing.T, id string) voice.Slot {
	t.Helper()
	s, err := h.store.GetSlot(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestFirstClonesStopAtSlotQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := voice.User(1)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		s := h.clone(t, user)
		require.Equal(t, voice.StatusActive, s.Status)
		require.False(t, seen[s.SlotID])
		seen[s.SlotID] = true
	}

	_, err := h.orch.CloneCreateOrUpdate(ctx, user, CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "fourth"})
	require.ErrorIs(t, err, voice.ErrQuotaExceeded)
	c, ok := voice.CapOf(err)
	require.True(t, ok)
	require.Equal(t, voice.CapSlots, c)

	clones, _ := h.provider.calls()
	require.Equal(t, 3, clones, "rejected clone must not reach the provider")

	used, err := h.quota.SlotsUsed(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, used)

	rows := h.usage(t, 1)
	require.Len(t, rows, 3)
	for _, r := range rows {
		require.Equal(t, voice.EndpointClone, r.Endpoint)
		require.Equal(t, 1, r.CostCalls)
	}

	// Admins are not capped.
	for i := 0; i < 4; i++ {
		h.clone(t, voice.Admin(9))
	}
}

func TestConcurrentFirstClonesRespectSlotQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.quota.UpdateLimits(ctx, voice.Admin(9), 1, quota.LimitsUpdate{Slots: voice.Some(2)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "race"})
			if err != nil && !errors.Is(err, voice.ErrQuotaExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	used, err := h.quota.SlotsUsed(ctx, 1)
	require.NoError(t, err)
	limit, err := h.quota.EffectiveLimit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, limit)
	require.LessOrEqual(t, used, limit)
}

func TestCloneValidatesBeforeProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{AudioURLs: []string{" "}, Name: "x"})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "  "})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: "missing", AudioURLs: []string{"https://f/a.wav"}})
	require.ErrorIs(t, err, voice.ErrNotFound)

	clones, _ := h.provider.calls()
	require.Zero(t, clones)
}

func TestCloneProviderFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := h.clone(t, voice.User(1))
	before := h.slot(t, slot.SlotID)

	h.provider.cloneErr = &providers.StatusError{StatusCode: 502}
	_, err := h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "new"})
	require.ErrorIs(t, err, voice.ErrProviderRejected)
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/b.wav"}})
	require.ErrorIs(t, err, voice.ErrProviderRejected)

	h.provider.cloneErr = errors.New("connection reset")
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/b.wav"}})
	require.ErrorIs(t, err, voice.ErrProviderUnavailable)

	h.provider.cloneErr = nil
	h.provider.blankVoice = true
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{AudioURLs: []string{"https://f/a.wav"}, Name: "blank"})
	require.ErrorIs(t, err, voice.ErrCloneFailed)

	after := h.slot(t, slot.SlotID)
	require.Equal(t, before.CloneUsed, after.CloneUsed)
	require.Equal(t, before.VoiceID, after.VoiceID)

	used, err := h.quota.SlotsUsed(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, used)
	require.Len(t, h.usage(t, 1), 1)
	history, err := h.store.ListCloneRecords(ctx, slot.SlotID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRecloneLimitAndAdminBypass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := voice.User(1)
	slot := h.clone(t, user)

	limit := 4
	_, err := h.slots.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, slots.Settings{CloneLimit: &limit})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := h.orch.CloneCreateOrUpdate(ctx, user, CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav", "https://f/b.wav"}})
		require.NoError(t, err)
		require.False(t, res.Created)
		require.Equal(t, 2, res.FilesAccepted)
	}
	require.Equal(t, 4, h.slot(t, slot.SlotID).CloneUsed, "attempts are counted, not files")

	clonesBefore, _ := h.provider.calls()
	_, err = h.orch.CloneCreateOrUpdate(ctx, user, CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav"}})
	require.ErrorIs(t, err, voice.ErrCloneLimitExceeded)
	clonesAfter, _ := h.provider.calls()
	require.Equal(t, clonesBefore, clonesAfter)

	res, err := h.orch.CloneCreateOrUpdate(ctx, voice.Admin(9), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav"}})
	require.NoError(t, err)
	require.Equal(t, 5, res.Slot.CloneUsed)

	// Another user cannot see the slot at all.
	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(2), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav"}})
	require.ErrorIs(t, err, voice.ErrNotFound)
}

func TestConcurrentReclonesNeverExceedLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := h.clone(t, voice.User(1))
	limit := 3
	_, err := h.slots.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, slots.Settings{CloneLimit: &limit})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav"}})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, voice.ErrCloneLimitExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got := h.slot(t, slot.SlotID)
	require.Equal(t, 3, got.CloneUsed)
	require.Equal(t, 2, ok)
	history, err := h.store.ListCloneRecords(ctx, slot.SlotID)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestRecloneDisabledSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := h.clone(t, voice.User(1))
	disabled := voice.StatusDisabled
	_, err := h.slots.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, slots.Settings{Status: &disabled})
	require.NoError(t, err)

	_, err = h.orch.CloneCreateOrUpdate(ctx, voice.Admin(9), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/a.wav"}})
	require.ErrorIs(t, err, voice.ErrSlotDisabled)
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "hi"})
	require.ErrorIs(t, err, voice.ErrSlotDisabled)
}

func tokenSlot(t *testing.T, h *harness, limit, used int64) voice.Slot {
	t.Helper()
	ctx := context.Background()
	slot := h.clone(t, voice.User(1))
	slot, err := h.slots.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, slots.Settings{TokenLimit: &limit})
	require.NoError(t, err)
	require.NoError(t, h.slots.ChargeSynthesis(ctx, slot, int(used)))
	return h.slot(t, slot.SlotID)
}

func TestTokenBudgetScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := tokenSlot(t, h, 100, 95)
	require.Equal(t, voice.QuotaToken, slot.QuotaMode)

	_, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "0123456789"})
	require.ErrorIs(t, err, voice.ErrTokenLimitExceeded)
	require.Equal(t, int64(95), h.slot(t, slot.SlotID).TokenUsed)
	_, synth := h.provider.calls()
	require.Zero(t, synth)

	res, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "01234", AgentID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, slot.SlotID, res.SlotID)
	require.Equal(t, 5, res.Chars)
	require.Equal(t, slot.VoiceID, h.provider.lastVoice)
	require.Equal(t, int64(100), h.slot(t, slot.SlotID).TokenUsed)

	rows, err := h.ledger.ListForUser(ctx, 1, ledger.Filter{Endpoint: voice.EndpointTTS})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 5, rows[0].CostChars)
	require.Equal(t, 1, rows[0].CostCalls)
	require.Equal(t, "agent-1", rows[0].AgentID)
	require.Equal(t, slot.SlotID, rows[0].SlotID)
}

func TestTokensCountCharactersNotBytes(t *testing.T) {
	h := newHarness(t)
	slot := tokenSlot(t, h, 4, 0)

	res, err := h.orch.Synthesize(context.Background(), voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "你好世界"})
	require.NoError(t, err)
	require.Equal(t, 4, res.Chars)
	require.Equal(t, int64(4), h.slot(t, slot.SlotID).TokenUsed)
}

func TestCallBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := h.clone(t, voice.User(1))
	mode, limit := voice.QuotaCount, 2
	_, err := h.slots.UpdateAdminSettings(ctx, voice.Admin(9), slot.SlotID, slots.Settings{QuotaMode: &mode, CallLimit: &limit})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "a long sentence"})
		require.NoError(t, err)
	}
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "again"})
	require.ErrorIs(t, err, voice.ErrCallLimitExceeded)

	_, err = h.orch.Synthesize(ctx, voice.Admin(9), SynthesizeRequest{SlotID: slot.SlotID, Text: "admin"})
	require.NoError(t, err)
	got := h.slot(t, slot.SlotID)
	require.Equal(t, 3, got.CallUsed)
	require.Zero(t, got.TokenUsed)
}

func TestSynthesizeProviderFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slot := tokenSlot(t, h, 100, 10)
	rowsBefore := len(h.usage(t, 1))

	h.provider.synthErr = providers.Unavailable(context.DeadlineExceeded)
	_, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: slot.SlotID, Text: "hello"})
	require.ErrorIs(t, err, voice.ErrProviderUnavailable)

	require.Equal(t, int64(10), h.slot(t, slot.SlotID).TokenUsed)
	require.Len(t, h.usage(t, 1), rowsBefore)
}

func TestSynthesizeResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedModel(t, "m1")
	own := h.clone(t, voice.User(1))
	other := h.clone(t, voice.User(2))
	require.NoError(t, h.mirror.PutPlatformVoice(ctx, voice.Admin(9), voice.CatalogEntry{ID: "narrator", ModelID: "m1", VoiceID: "platform-narrator"}))

	res, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: own.SlotID, Text: "abc"})
	require.NoError(t, err)
	require.Equal(t, own.VoiceID, res.VoiceID)
	require.Equal(t, own.SlotID, res.SlotID, "own slot ids are metered")
	require.Equal(t, int64(3), h.slot(t, own.SlotID).TokenUsed)

	res, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "narrator", Text: "abc"})
	require.NoError(t, err)
	require.Equal(t, "platform-narrator", res.VoiceID)
	require.Empty(t, res.SlotID)

	res, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "vendor-voice-7", Text: "abc"})
	require.NoError(t, err)
	require.Equal(t, "vendor-voice-7", res.VoiceID)

	// A private slot of someone else resolves to nothing and is passed through verbatim.
	res, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: other.SlotID, Text: "abc"})
	require.NoError(t, err)
	require.Equal(t, other.SlotID, res.VoiceID)
	require.Zero(t, h.slot(t, other.SlotID).TokenUsed)

	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{Text: "abc"})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "narrator", Text: "  "})
	require.ErrorIs(t, err, voice.ErrInvalidInput)
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: other.SlotID, Text: "abc"})
	require.ErrorIs(t, err, voice.ErrNotFound)

	empty, err := h.slots.Allocate(ctx, voice.Admin(9), slots.AllocateRequest{UserID: 1})
	require.NoError(t, err)
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{SlotID: empty[0].SlotID, Text: "abc"})
	require.ErrorIs(t, err, voice.ErrNotClonedYet)
}

func TestMirrorFollowsClones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedModel(t, "m1")

	slot := h.clone(t, voice.User(1))
	require.Equal(t, "m1", slot.ModelID)
	e, err := h.mirror.Lookup(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, "mine", e.Name)
	require.Equal(t, slot.VoiceID, e.VoiceID)
	require.Equal(t, slot.PreviewURL, e.PreviewURL)

	res, err := h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/c.wav"}})
	require.NoError(t, err)
	e, err = h.mirror.Lookup(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.Equal(t, res.Slot.ModelID, e.ModelID)
	require.Equal(t, res.Slot.VoiceID, e.VoiceID)
	require.Equal(t, res.Slot.PreviewURL, e.PreviewURL)
	require.Equal(t, "mine", e.Name)

	// A reclone takes a published slot back to active and out of the shared catalog.
	_, err = h.slots.SetPublic(ctx, voice.Admin(9), slot.SlotID, "")
	require.NoError(t, err)
	_, err = h.mirror.Lookup(ctx, voice.User(2), slot.SlotID)
	require.NoError(t, err)
	res, err = h.orch.CloneCreateOrUpdate(ctx, voice.User(1), CloneRequest{SlotID: slot.SlotID, AudioURLs: []string{"https://f/d.wav"}})
	require.NoError(t, err)
	require.Equal(t, voice.StatusActive, res.Slot.Status)
	_, err = h.mirror.Lookup(ctx, voice.User(2), slot.SlotID)
	require.ErrorIs(t, err, voice.ErrNotFound)
	e, err = h.mirror.Lookup(ctx, voice.User(1), slot.SlotID)
	require.NoError(t, err)
	require.False(t, e.Public)
	require.Equal(t, res.Slot.VoiceID, e.VoiceID)
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := queue.NewRateLimiter(rdb, 1)

	h := newHarness(t, func(c *Config) { c.Limiter = limiter })
	ctx := context.Background()

	_, err := h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.NoError(t, err)
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.ErrorIs(t, err, voice.ErrRateLimited)
	_, synth := h.provider.calls()
	require.Equal(t, 1, synth)

	// Clone has its own window.
	h.clone(t, voice.User(1))

	_, err = h.orch.Synthesize(ctx, voice.Admin(9), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.NoError(t, err)
	_, err = h.orch.Synthesize(ctx, voice.Admin(9), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.NoError(t, err)

	// A limiter outage lets requests through.
	require.NoError(t, rdb.Close())
	_, err = h.orch.Synthesize(ctx, voice.User(1), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.NoError(t, err)
}

func TestProviderKeyAndTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProviderTimeout = 2 * time.Minute })
	ctx := context.Background()
	require.Equal(t, providers.MaxTimeout, h.orch.Timeout())

	h.clone(t, voice.User(1))
	require.Empty(t, h.provider.lastKey)
	require.Greater(t, h.provider.deadline, time.Duration(0))
	require.LessOrEqual(t, h.provider.deadline, providers.MaxTimeout)

	require.NoError(t, h.quota.SetProviderKey(ctx, voice.Admin(9), 1, "sk-user-1"))
	h.clone(t, voice.User(1))
	require.Equal(t, "sk-user-1", h.provider.lastKey)

	_, err := h.orch.Synthesize(ctx, voice.User(2), SynthesizeRequest{VoiceRef: "v", Text: "a"})
	require.NoError(t, err)
	require.Empty(t, h.provider.lastKey)
}
