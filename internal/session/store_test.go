package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/database"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	ended  []Session
	paused []Session
}

func (n *recordingNotifier) TaskEnded(s Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, s)
}

func (n *recordingNotifier) TaskPaused(s Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = append(n.paused, s)
}

func (n *recordingNotifier) Ended() []Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Session(nil), n.ended...)
}

type fixture struct {
	store    *Store
	clock    *clock
	notifier *recordingNotifier
	db       *database.MemoryStore
	writer   *database.AsyncWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	db := database.NewMemoryStore()
	writer := database.NewAsyncWriter(db, 256, time.Second)
	t.Cleanup(func() { _ = writer.Invoke(context.Background()) })
	var seq atomic.Int64
	n := &recordingNotifier{}
	st := NewStore(Options{
		Accumulator: metrics.NewAccumulator(nil),
		Writer:      writer,
		Reader:      db,
		Notifier:    n,
		Model:       "test-model",
		Now:         clk.Now,
		NewID:       func() string { return fmt.Sprintf("s-%d", seq.Add(1)) },
	})
	return &fixture{store: st, clock: clk, notifier: n, db: db, writer: writer}
}

func snapshot(ts int64) *protocol.UIEvent {
	return &protocol.UIEvent{Type: protocol.TypeUIEvent, Timestamp: ts}
}

func TestCreateSupersedesActiveSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.store.Create("alice", "open settings", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)

	second, err := f.store.Create("alice", "open camera", "")
	require.NoError(t, err)

	old, ok := f.store.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, old.Status)
	assert.Equal(t, ReasonSuperseded, old.Reason)

	active, ok := f.store.ActiveForUser("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, 1, f.store.Count())

	ended := f.notifier.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, first.ID, ended[0].ID)
}

func TestCreateRequiresFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create("", "goal", "")
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = f.store.Create("alice", "", "")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestAcceptDecisionAppendsSteps(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")

	for i := 1; i <= 3; i++ {
		ts := int64(i * 100)
		require.True(t, f.store.ObserveSnapshot(s.ID, snapshot(ts)))
		_, rec, err := f.store.AcceptDecision(s.ID, ts, Decision{
			Action: protocol.ActionClick,
			Usage:  metrics.Usage{InputTokens: 10, OutputTokens: 5},
		})
		require.NoError(t, err)
		assert.Equal(t, i, rec.Step)
	}

	got, _ := f.store.Get(s.ID)
	assert.Len(t, got.History, 3)
	assert.Equal(t, len(got.History), got.Metrics.StepCount)
	assert.Equal(t, int64(45), got.Metrics.TotalTokens)
}

func TestAcceptDecisionRejectsStaleBasis(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")

	f.store.ObserveSnapshot(s.ID, snapshot(100))
	f.store.ObserveSnapshot(s.ID, snapshot(200))

	_, _, err := f.store.AcceptDecision(s.ID, 100, Decision{Action: protocol.ActionBack})
	assert.ErrorIs(t, err, ErrStaleDecision)

	// 旧快照不会回退时间戳
	assert.False(t, f.store.ObserveSnapshot(s.ID, snapshot(150)))
	latest, ok := f.store.LatestSnapshot(s.ID)
	require.True(t, ok)
	assert.Equal(t, int64(200), latest.Timestamp)

	got, _ := f.store.Get(s.ID)
	assert.Empty(t, got.History)
}

func TestAcceptDecisionTerminalAndPause(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")
	f.store.ObserveSnapshot(s.ID, snapshot(1))

	paused, _, err := f.store.AcceptDecision(s.ID, 1, Decision{Action: protocol.ActionPause, Reason: "need login"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	_, _, err = f.store.AcceptDecision(s.ID, 1, Decision{Action: protocol.ActionClick})
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = f.store.Resume(s.ID)
	require.NoError(t, err)

	done, _, err := f.store.AcceptDecision(s.ID, 1, Decision{Action: ActionDone, Reason: "finished", Result: "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "ok", done.Result)
	assert.Len(t, done.History, 2)
	assert.Equal(t, 2, done.Metrics.StepCount)

	_, ok := f.store.ActiveForUser("alice")
	assert.False(t, ok)
	require.Len(t, f.notifier.Ended(), 1)
}

func TestDecisionInFlightIsExclusive(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.store.TryBeginDecision(s.ID) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	f.store.EndDecision(s.ID)
	assert.True(t, f.store.TryBeginDecision(s.ID))
}

func TestPauseResumeTransitions(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")
	f.store.RecordFailure(s.ID)
	f.store.RecordFailure(s.ID)

	p, err := f.store.PauseWithRecord(s.ID, "检测到敏感操作")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, p.Status)
	require.Len(t, p.History, 1)
	assert.Equal(t, protocol.ActionPause, p.History[0].Action)

	_, err = f.store.Pause(s.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r, err := f.store.Resume(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Zero(t, r.Failures)

	_, err = f.store.Resume(s.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEndPersistsAndFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "http://cb")

	ended, err := f.store.End(s.ID, StatusFailed, ReasonMaxSteps)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, ended.Status)
	require.Len(t, ended.History, 1)
	assert.Equal(t, "failed", ended.History[0].Action)

	_, err = f.store.End(s.ID, StatusCancelled, "twice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.store.End("unknown", StatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, f.writer.Flush(context.Background()))
	rec, err := f.db.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, ReasonMaxSteps, rec.Result)
	assert.Equal(t, 1, rec.Metrics.StepCount)

	// 清掉内存缓存后从持久化存储读取
	f.store.recent.Purge()
	got, err := f.store.Lookup(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	history, err := f.store.History(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = f.store.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(t)
	idle, _ := f.store.Create("alice", "goal", "")
	busy, _ := f.store.Create("bob", "goal", "")
	paused, _ := f.store.Create("carol", "goal", "")
	_, err := f.store.Pause(paused.ID, ReasonUserPause)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	f.store.ObserveSnapshot(busy.ID, snapshot(1))
	f.clock.Advance(2 * time.Minute)

	ended := f.store.SweepTimeouts(5*time.Minute, 3*time.Minute)
	ids := map[string]string{}
	for _, s := range ended {
		ids[s.ID] = s.Reason
	}
	assert.Equal(t, map[string]string{
		idle.ID:   ReasonTaskTimeout,
		paused.ID: ReasonPauseTimeout,
	}, ids)

	got, _ := f.store.Get(busy.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestReconnectBookkeeping(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")

	_, ok := f.store.MarkDisconnected("nobody", f.clock.Now())
	assert.False(t, ok)

	marked, ok := f.store.MarkDisconnected("alice", f.clock.Now())
	require.True(t, ok)
	assert.True(t, marked.AwaitingReconnect)

	_, err := f.store.Rebind("nobody", "conn-7", f.clock.Now().Add(-30*time.Second))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	f.clock.Advance(29 * time.Second)
	rebound, err := f.store.Rebind("alice", "conn-7", f.clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, s.ID, rebound.ID)
	assert.False(t, rebound.AwaitingReconnect)
	assert.Equal(t, "conn-7", rebound.ConnectionID)
}

func TestRebindRefusesExpiredGrace(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create("alice", "goal", "")
	_, ok := f.store.MarkDisconnected("alice", f.clock.Now())
	require.True(t, ok)

	f.clock.Advance(30 * time.Second)
	got, err := f.store.Rebind("alice", "conn-8", f.clock.Now().Add(-30*time.Second))
	require.ErrorIs(t, err, ErrReconnectExpired)
	assert.Equal(t, s.ID, got.ID)

	cur, _ := f.store.Get(s.ID)
	assert.True(t, cur.AwaitingReconnect)
	assert.Empty(t, cur.ConnectionID)
}

func TestReconcileUserCancelsOrphanedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clock.Now().Add(-2 * time.Hour)
	seed := func(id, user, status string, age time.Duration) {
		require.NoError(t, f.db.UpsertSession(ctx, &database.SessionRecord{
			SessionID: id, UserID: user, Goal: "old goal", Status: status, CreatedAt: base.Add(age),
		}))
	}
	seed("orphan-1", "alice", "running", 0)
	seed("orphan-2", "alice", "paused", time.Hour)
	seed("orphan-3", "bob", "running", 0)

	fixed, err := f.store.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan-2", "orphan-1"}, fixed)
	for _, id := range fixed {
		rec, err := f.db.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(StatusCancelled), rec.Status)
		assert.Equal(t, ReasonOrphaned, rec.Reason)
		assert.Equal(t, f.clock.Now(), rec.UpdatedAt)
	}
	bob, err := f.db.GetSession(ctx, "orphan-3")
	require.NoError(t, err)
	assert.Equal(t, "running", bob.Status)

	fixed, err = f.store.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, fixed)
}

func TestReconcileUserKeepsLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.store.Create("alice", "open settings", "")
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush(ctx))

	fixed, err := f.store.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, fixed)
	rec, err := f.db.GetSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusRunning), rec.Status)
}
