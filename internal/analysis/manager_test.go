package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callwarden/callwarden/internal/config"
	"github.com/callwarden/callwarden/internal/envelope"
	"github.com/callwarden/callwarden/internal/livecache"
	"github.com/callwarden/callwarden/internal/source"
	"github.com/callwarden/callwarden/pkg/classifier"
	clmock "github.com/callwarden/callwarden/pkg/classifier/mock"
	stmock "github.com/callwarden/callwarden/pkg/store/mock"
)

// stubProvider returns a fixed stream for any ref.
type stubProvider struct {
	stream source.Stream
	err    error
}

func (p stubProvider) Acquire(context.Context, string) (source.Stream, error) {
	return p.stream, p.err
}

// threeSegmentStream produces exactly 3 segments at the test segment length.
func threeSegmentStream() source.Stream {
	return source.Stream{
		Data:     make([]byte, 50),
		Duration: 25 * time.Millisecond,
	}
}

func testManagerConfig() *config.Config {
	cfg := config.Default()
	cfg.Analysis.SegmentLength = 10 * time.Millisecond
	cfg.Analysis.DispatchTimeout = 5 * time.Second
	cfg.Analysis.PacingFactor = 0
	cfg.Crypto.Secret = "test-secret"
	cfg.Crypto.KDFIterations = 16
	return cfg
}

func newTestManager(t *testing.T, cl classifier.Classifier, src source.Provider) (*Manager, *stmock.SessionStore, *livecache.Cache) {
	t.Helper()
	return newTestManagerWithConfig(t, testManagerConfig(), cl, src)
}

func newTestManagerWithConfig(t *testing.T, cfg *config.Config, cl classifier.Classifier, src source.Provider) (*Manager, *stmock.SessionStore, *livecache.Cache) {
	t.Helper()

	st := &stmock.SessionStore{}
	cache := livecache.New(cfg.Analysis.ScamThreshold)
	m := NewManager(ManagerConfig{
		Config:     cfg,
		Classifier: cl,
		Store:      st,
		Source:     src,
		Cache:      cache,
	})
	return m, st, cache
}

func await(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.AwaitCompletion(ctx, id); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
}

func TestManager_EndToEnd(t *testing.T) {
	cl := &clmock.Classifier{
		Responses: map[int]classifier.Response{
			0: {Probability: 0.3, Keywords: []string{"irs"}, Transcription: "this is the irs"},
			1: {Probability: 0.9, Keywords: []string{"verify", "account"}, Transcription: "verify your account"},
			2: {Probability: 0.1, Transcription: "goodbye"},
		},
	}
	m, _, _ := newTestManager(t, cl, stubProvider{stream: threeSegmentStream()})

	id, err := m.Start(context.Background(), StartRequest{SourceID: "+15550100", AssetRef: "call.wav"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, m, id)

	rec, err := m.Result(context.Background(), id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if rec.Probability != 0.9 {
		t.Errorf("Probability = %v, want 0.9", rec.Probability)
	}
	if !rec.IsScam {
		t.Error("IsScam = false, want true at threshold 0.8")
	}
	if rec.Degraded {
		t.Error("Degraded = true for an all-success run")
	}
	if got, want := rec.Transcription, "this is the irs verify your account goodbye"; got != want {
		t.Errorf("Transcription = %q, want %q", got, want)
	}
	wantKw := []string{"account", "irs", "verify"}
	if len(rec.Keywords) != len(wantKw) {
		t.Fatalf("Keywords = %v, want %v", rec.Keywords, wantKw)
	}
	for i, kw := range wantKw {
		if rec.Keywords[i] != kw {
			t.Errorf("Keywords[%d] = %q, want %q", i, rec.Keywords[i], kw)
		}
	}
	if len(rec.Windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(rec.Windows))
	}
	for i, w := range rec.Windows {
		if w.Index != i || w.Failed {
			t.Errorf("window %d = %+v, want ok window at index %d", i, w, i)
		}
	}

	sess, err := m.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.CompletedAt == nil || sess.IsScam == nil || !*sess.IsScam {
		t.Errorf("session row not finalized as scam: %+v", sess)
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Probability != 0.9 || !st.IsScam || st.SegmentIndex != 2 {
		t.Errorf("live status = %+v, want prob 0.9, scam, segment 2", st)
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d after completion, want 0", m.Running())
	}
}

func TestManager_SourceUnavailableFailsFast(t *testing.T) {
	cl := &clmock.Classifier{}
	m, _, cache := newTestManager(t, cl, stubProvider{err: source.ErrSourceUnavailable})

	_, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "missing.wav"})
	if !errors.Is(err, source.ErrSourceUnavailable) {
		t.Fatalf("Start err = %v, want ErrSourceUnavailable", err)
	}
	if cl.CallCount() != 0 {
		t.Errorf("classifier called %d times for an unavailable source", cl.CallCount())
	}
	if cache.Len() != 0 {
		t.Errorf("cache has %d entries after failed start", cache.Len())
	}
}

func TestManager_ClassifierFailureDegrades(t *testing.T) {
	cl := &clmock.Classifier{
		Responses: map[int]classifier.Response{
			0: {Probability: 0.3, Transcription: "hello"},
			2: {Probability: 0.5, Transcription: "bye"},
		},
		Errs: map[int]error{1: classifier.ErrTransport},
	}
	m, _, _ := newTestManager(t, cl, stubProvider{stream: threeSegmentStream()})

	id, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "call.wav"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, m, id)

	rec, err := m.Result(context.Background(), id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !rec.Degraded {
		t.Error("Degraded = false with a failed segment")
	}
	if rec.Probability != 0.5 {
		t.Errorf("Probability = %v, want max of successes 0.5", rec.Probability)
	}
	if rec.IsScam {
		t.Error("IsScam = true below threshold")
	}
	if len(rec.Windows) != 3 || !rec.Windows[1].Failed {
		t.Fatalf("windows = %+v, want 3 with index 1 failed", rec.Windows)
	}
	if rec.Windows[1].FailureReason == "" {
		t.Error("failed window has no failure reason")
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Degraded {
		t.Error("live status not degraded after a failed segment")
	}
}

func TestManager_StopCountsPendingAsFailed(t *testing.T) {
	hold := make(chan struct{})
	cl := &clmock.Classifier{
		Responses: map[int]classifier.Response{
			0: {Probability: 0.3, Transcription: "hello"},
		},
		Delay: map[int]<-chan struct{}{1: hold, 2: hold},
	}
	m, _, _ := newTestManager(t, cl, stubProvider{stream: threeSegmentStream()})

	id, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "call.wav"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// All three operations spawn without pacing; wait until they have all
	// reached the classifier before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for cl.CallCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("classifier saw %d calls, want 3", cl.CallCount())
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	await(t, m, id)

	rec, err := m.Result(context.Background(), id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(rec.Windows) != 3 {
		t.Fatalf("got %d windows, want cancelled segments counted: 3", len(rec.Windows))
	}
	if rec.Windows[0].Failed {
		t.Error("completed segment 0 marked failed")
	}
	if !rec.Windows[1].Failed || !rec.Windows[2].Failed {
		t.Errorf("cancelled segments not marked failed: %+v", rec.Windows)
	}
	if !rec.Degraded {
		t.Error("Degraded = false after cancellation")
	}
	if rec.Probability != 0.3 {
		t.Errorf("Probability = %v, want 0.3 from the completed segment", rec.Probability)
	}

	// A finalized session is no longer stoppable.
	if err := m.Stop(id); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("second Stop err = %v, want ErrSessionNotRunning", err)
	}
}

func TestManager_StopLeavesSiblingSessionsHealthy(t *testing.T) {
	hold := make(chan struct{})
	cl := &clmock.Classifier{
		Responses: map[int]classifier.Response{
			0: {Probability: 0.2, Transcription: "hello"},
			1: {Probability: 0.9, Transcription: "wire the money"},
			2: {Probability: 0.1, Transcription: "bye"},
		},
		Delay: map[int]<-chan struct{}{0: hold, 1: hold, 2: hold},
	}
	cfg := testManagerConfig()
	cfg.Analysis.Breaker.MaxFailures = 3
	cfg.Analysis.Breaker.ResetTimeout = time.Hour
	m, _, _ := newTestManagerWithConfig(t, cfg, cl, stubProvider{stream: threeSegmentStream()})

	first, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "a.wav"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for cl.CallCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("classifier saw %d calls, want 3", cl.CallCount())
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Stopping cancels every pending classification at once. Those
	// cancellations must not count as service failures, or the shared
	// breaker would open and degrade every session started afterwards.
	if err := m.Stop(first); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	await(t, m, first)

	close(hold)

	second, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "b.wav"})
	if err != nil {
		t.Fatalf("Start second session: %v", err)
	}
	await(t, m, second)

	rec, err := m.Result(context.Background(), second)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if rec.Degraded {
		t.Fatalf("second session degraded after sibling stop: %+v", rec.Windows)
	}
	if rec.Probability != 0.9 {
		t.Errorf("Probability = %v, want 0.9", rec.Probability)
	}
}

func TestManager_KeyDerivationFailureCreatesNothing(t *testing.T) {
	cl := &clmock.Classifier{}
	cfg := testManagerConfig()
	cfg.Crypto.Secret = ""
	m, st, cache := newTestManagerWithConfig(t, cfg, cl, stubProvider{stream: threeSegmentStream()})

	_, err := m.Start(context.Background(), StartRequest{SourceID: "s", AssetRef: "call.wav"})
	if !errors.Is(err, envelope.ErrSealingFailure) {
		t.Fatalf("Start err = %v, want ErrSealingFailure", err)
	}
	if st.Len() != 0 {
		t.Errorf("store has %d sessions after a failed start", st.Len())
	}
	if cache.Len() != 0 {
		t.Errorf("cache has %d entries after a failed start", cache.Len())
	}
	if cl.CallCount() != 0 {
		t.Errorf("classifier called %d times before key derivation", cl.CallCount())
	}
}

func TestManager_StopUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, &clmock.Classifier{}, stubProvider{stream: threeSegmentStream()})
	if err := m.Stop("nope"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("Stop err = %v, want ErrSessionNotRunning", err)
	}
}
