package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/dashboard"
	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/realtime"
)

// fakeChannel implements Channel with scriptable acknowledgements.
type fakeChannel struct {
	emitter *realtime.Emitter

	mu           sync.Mutex
	status       realtime.Status
	subscribed   []string
	unsubscribed []string
	updates      []progress.UpdateRequest
	respond      func(upd progress.UpdateRequest) (progress.UpdateResponse, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		emitter: realtime.NewEmitter(zap.NewNop()),
		status:  realtime.StatusConnected,
		respond: func(upd progress.UpdateRequest) (progress.UpdateResponse, error) {
			return progress.UpdateResponse{ModuleID: upd.ModuleID, Success: true}, nil
		},
	}
}

func (f *fakeChannel) UpdateProgress(_ context.Context, upd progress.UpdateRequest) (progress.UpdateResponse, error) {
	f.mu.Lock()
	f.updates = append(f.updates, upd)
	respond := f.respond
	f.mu.Unlock()
	return respond(upd)
}

func (f *fakeChannel) SubscribeToModule(moduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, moduleID)
}

func (f *fakeChannel) UnsubscribeFromModule(moduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, moduleID)
}

func (f *fakeChannel) AddListener(event string, fn realtime.Listener) realtime.ListenerHandle {
	return f.emitter.AddListener(event, fn)
}

func (f *fakeChannel) RemoveListener(h realtime.ListenerHandle) {
	f.emitter.RemoveListener(h)
}

func (f *fakeChannel) Status() realtime.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) setStatus(status realtime.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeChannel) setRespond(fn func(progress.UpdateRequest) (progress.UpdateResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// push simulates an unsolicited progress_updated event from the server.
func (f *fakeChannel) push(t *testing.T, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.emitter.Emit(progress.EventUpdated, data)
}

// stubSummaries implements SummarySource from a fixed listing.
type stubSummaries struct {
	mu      sync.Mutex
	modules []dashboard.ModuleSummary
	err     error
	calls   int
}

func (s *stubSummaries) UserModules(context.Context, string) ([]dashboard.ModuleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]dashboard.ModuleSummary(nil), s.modules...), nil
}

func (s *stubSummaries) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestStore(t *testing.T, ch *fakeChannel, summaries *stubSummaries) *Store {
	t.Helper()
	if summaries == nil {
		summaries = &stubSummaries{}
	}
	s := New(Config{
		UserID:    "u1",
		Channel:   ch,
		Summaries: summaries,
		Now:       func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(s.Close)
	return s
}

func floatPtr(v float64) *float64 { return &v }

// TestUpdateProgressOptimisticSuccess verifies the optimistic value is
// visible before the channel acknowledges, and that success clears both the
// stash and the last-error slot.
func TestUpdateProgressOptimisticSuccess(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)

	ch.setRespond(func(upd progress.UpdateRequest) (progress.UpdateResponse, error) {
		rec, ok := s.Progress("m1")
		require.True(t, ok, "optimistic record must exist before the ack")
		require.Equal(t, 40.0, rec.Progress)
		return progress.UpdateResponse{ModuleID: upd.ModuleID, Success: true}, nil
	})

	err := s.UpdateProgress(context.Background(), "m1", progress.Patch{Progress: floatPtr(40)})
	require.NoError(t, err)

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 40.0, rec.Progress)
	require.Empty(t, s.LastError())
	require.Empty(t, s.stash, "stash must be cleared on success")
	require.False(t, s.IsUpdating())
}

// TestUpdateProgressRollbackOnFailure restores the pre-update snapshot and
// records the failure in the last-error slot.
func TestUpdateProgressRollbackOnFailure(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)
	s.records["m1"] = progress.Record{
		ModuleID: "m1", UserID: "u1",
		Status: progress.StatusInProgress, Progress: 10,
	}

	ch.setRespond(func(progress.UpdateRequest) (progress.UpdateResponse, error) {
		return progress.UpdateResponse{}, fmt.Errorf("%w: quota exceeded", realtime.ErrUpdateRejected)
	})

	err := s.UpdateProgress(context.Background(), "m1", progress.Patch{Progress: floatPtr(90)})
	require.Error(t, err)

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 10.0, rec.Progress, "optimistic 90 must be rolled back")
	require.Equal(t, progress.StatusInProgress, rec.Status)
	require.NotEmpty(t, s.LastError())
	require.Empty(t, s.stash)
}

// TestUpdateProgressQueuedKeepsOptimistic treats a disconnected channel as
// deferred delivery: no rollback, no error surfaced.
func TestUpdateProgressQueuedKeepsOptimistic(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)
	ch.setRespond(func(upd progress.UpdateRequest) (progress.UpdateResponse, error) {
		return progress.UpdateResponse{}, fmt.Errorf("update for module %q queued: %w", upd.ModuleID, realtime.ErrNotConnected)
	})

	err := s.UpdateProgress(context.Background(), "m1", progress.Patch{Progress: floatPtr(55)})
	require.NoError(t, err)

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 55.0, rec.Progress)
	require.Empty(t, s.LastError())
	require.Empty(t, s.stash)
}

// TestSameModuleOverlappingUpdates exercises the generation guard: an older
// in-flight call failing after a newer call succeeded must not roll the
// record back.
func TestSameModuleOverlappingUpdates(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)

	firstSent := make(chan struct{})
	release := make(chan struct{})
	ch.setRespond(func(upd progress.UpdateRequest) (progress.UpdateResponse, error) {
		if upd.Progress != nil && *upd.Progress == 50 {
			close(firstSent)
			<-release
			return progress.UpdateResponse{}, fmt.Errorf("%w: stale write", realtime.ErrUpdateRejected)
		}
		return progress.UpdateResponse{ModuleID: upd.ModuleID, Success: true}, nil
	})

	done := make(chan error, 1)
	go func() {
		done <- s.UpdateProgress(context.Background(), "m1", progress.Patch{Progress: floatPtr(50)})
	}()
	<-firstSent

	require.NoError(t, s.UpdateProgress(context.Background(), "m1", progress.Patch{Progress: floatPtr(80)}))
	close(release)
	require.Error(t, <-done)

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 80.0, rec.Progress, "newer confirmed value must survive the older failure")
}

// TestIsModuleCompletedOrPredicate checks each branch of the OR alone.
func TestIsModuleCompletedOrPredicate(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)
	s.records["byStatus"] = progress.Record{ModuleID: "byStatus", Status: progress.StatusCompleted, Progress: 30}
	s.records["byProgress"] = progress.Record{ModuleID: "byProgress", Status: progress.StatusInProgress, Progress: 100}
	s.records["neither"] = progress.Record{ModuleID: "neither", Status: progress.StatusInProgress, Progress: 99}

	require.True(t, s.IsModuleCompleted("byStatus"))
	require.True(t, s.IsModuleCompleted("byProgress"))
	require.False(t, s.IsModuleCompleted("neither"))
	require.False(t, s.IsModuleCompleted("absent"))
}

// TestProgressPercentageBounds covers absence, negative clamping, and the
// deliberate lack of an upper clamp.
func TestProgressPercentageBounds(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)
	s.records["neg"] = progress.Record{ModuleID: "neg", Progress: -5}
	s.records["over"] = progress.Record{ModuleID: "over", Progress: 120}

	require.Equal(t, 0.0, s.ProgressPercentage("absent"))
	require.Equal(t, 0.0, s.ProgressPercentage("neg"))
	require.Equal(t, 120.0, s.ProgressPercentage("over"))
}

// TestSubscribeSeedsOnceAndDelegates seeds the map from the dashboard and
// no-ops on repeat subscriptions.
func TestSubscribeSeedsOnceAndDelegates(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	summaries := &stubSummaries{modules: []dashboard.ModuleSummary{
		{ID: "m1", Progress: 25, Status: "In Progress", TotalLessons: 4, CompletedLessons: 1},
	}}
	s := newTestStore(t, ch, summaries)

	s.SubscribeToModule(context.Background(), "m1")
	s.SubscribeToModule(context.Background(), "m1")

	require.Equal(t, []string{"m1"}, ch.subscribed)
	require.Equal(t, 1, summaries.callCount(), "repeat subscribe must not refetch")

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 25.0, rec.Progress)
	require.Equal(t, progress.StatusInProgress, rec.Status)

	s.UnsubscribeFromModule("m1")
	require.Equal(t, []string{"m1"}, ch.unsubscribed)
}

// TestScenarioModuleCompletionFlow walks the full subscribe, seed, update,
// acknowledge path for a fresh module.
func TestScenarioModuleCompletionFlow(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	summaries := &stubSummaries{modules: []dashboard.ModuleSummary{
		{ID: "mod42", Progress: 0, Status: "Not Started"},
	}}
	s := newTestStore(t, ch, summaries)

	s.SubscribeToModule(context.Background(), "mod42")
	rec, ok := s.Progress("mod42")
	require.True(t, ok)
	require.Equal(t, progress.StatusNotStarted, rec.Status)
	require.Equal(t, 0.0, rec.Progress)

	err := s.UpdateProgress(context.Background(), "mod42", progress.Patch{
		Status:   progress.StatusCompleted,
		Progress: floatPtr(100),
	})
	require.NoError(t, err)

	rec, _ = s.Progress("mod42")
	require.Equal(t, progress.StatusCompleted, rec.Status)
	require.Equal(t, 100.0, s.ProgressPercentage("mod42"))
	require.True(t, s.IsModuleCompleted("mod42"))
}

// TestIngestMergesPartialPush merges only the fields present in the payload
// and stamps a missing timestamp with now.
func TestIngestMergesPartialPush(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)
	s.records["m1"] = progress.Record{
		ModuleID: "m1", UserID: "u1",
		Status: progress.StatusInProgress, Progress: 30, CurrentLesson: "l2",
	}

	ch.push(t, map[string]any{"moduleId": "m1", "progress": 70})

	rec, ok := s.Progress("m1")
	require.True(t, ok)
	require.Equal(t, 70.0, rec.Progress)
	require.Equal(t, progress.StatusInProgress, rec.Status, "absent fields keep existing values")
	require.Equal(t, "l2", rec.CurrentLesson)
	require.False(t, rec.Timestamp.IsZero(), "missing timestamp defaults to now")
}

// TestIngestCreatesRecordForUnknownModule handles pushes from other sessions
// for modules this session never touched.
func TestIngestCreatesRecordForUnknownModule(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := newTestStore(t, ch, nil)

	ch.push(t, progress.Record{ModuleID: "m7", UserID: "u1", Status: progress.StatusCompleted, Progress: 100})

	rec, ok := s.Progress("m7")
	require.True(t, ok)
	require.Equal(t, progress.StatusCompleted, rec.Status)
}

// TestRefreshProgressHardResync overwrites the live entry last-write-wins.
func TestRefreshProgressHardResync(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	summaries := &stubSummaries{modules: []dashboard.ModuleSummary{
		{ID: "m1", Progress: 60, Status: "In Progress"},
	}}
	s := newTestStore(t, ch, summaries)
	s.records["m1"] = progress.Record{ModuleID: "m1", Progress: 99, Status: progress.StatusCompleted}

	require.NoError(t, s.RefreshProgress(context.Background(), "m1"))
	rec, _ := s.Progress("m1")
	require.Equal(t, 60.0, rec.Progress)
	require.Equal(t, progress.StatusInProgress, rec.Status)
}

// TestRefreshProgressFailureLeavesMap keeps the live map untouched on read
// errors.
func TestRefreshProgressFailureLeavesMap(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	summaries := &stubSummaries{err: errors.New("dashboard down")}
	s := newTestStore(t, ch, summaries)
	s.records["m1"] = progress.Record{ModuleID: "m1", Progress: 42}

	require.Error(t, s.RefreshProgress(context.Background(), "m1"))
	rec, _ := s.Progress("m1")
	require.Equal(t, 42.0, rec.Progress)
}

// TestConnectionStatusPolling mirrors channel status within the poll
// interval.
func TestConnectionStatusPolling(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	s := New(Config{
		UserID:             "u1",
		Channel:            ch,
		Summaries:          &stubSummaries{},
		StatusPollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	s.Start()

	require.Equal(t, realtime.StatusConnected, s.ConnectionStatus())
	ch.setStatus(realtime.StatusDisconnected)
	require.Eventually(t, func() bool {
		return s.ConnectionStatus() == realtime.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}
