package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/ghosttap-server/internal/database"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/shopspring/decimal"
)

type Options struct {
	Accumulator *metrics.Accumulator
	// Writer 异步持久化，为空时不落盘
	Writer database.Writer
	// Reader 查询已不在内存中的会话
	Reader     database.Store
	Notifier   Notifier
	Model      string
	RecentSize int
	RecentTTL  time.Duration
	Now        func() time.Time
	NewID      func() string
}

// Store 会话存储，持有所有未结束会话；内存状态是权威数据，数据库只是镜像
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // user_id → session_id

	recent   *expirable.LRU[string, Session]
	acc      *metrics.Accumulator
	writer   database.Writer
	reader   database.Store
	notifier Notifier
	model    string
	now      func() time.Time
	newID    func() string
}

func NewStore(opts Options) *Store {
	if opts.RecentSize <= 0 {
		opts.RecentSize = 256
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = time.Hour
	}
	s := &Store{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
		recent:   expirable.NewLRU[string, Session](opts.RecentSize, nil, opts.RecentTTL),
		acc:      opts.Accumulator,
		writer:   opts.Writer,
		reader:   opts.Reader,
		notifier: opts.Notifier,
		model:    opts.Model,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.acc == nil {
		s.acc = metrics.NewAccumulator(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// SetNotifier 在装配阶段注入结束通知的接收方
func (st *Store) SetNotifier(n Notifier) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.notifier = n
}

func parseCost(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Create 为用户创建新任务；已有未结束的任务会先被取消
func (st *Store) Create(userID, goal, callbackURL string) (Session, error) {
	if userID == "" || goal == "" {
		return Session{}, fmt.Errorf("user_id and goal: %w", ErrMissingField)
	}

	st.mu.Lock()
	var superseded *Session
	if oldID, ok := st.active[userID]; ok {
		if old, ok := st.sessions[oldID]; ok {
			ended := st.endLocked(old, StatusCancelled, ReasonSuperseded, ReasonSuperseded)
			superseded = &ended
		}
	}

	now := st.now()
	s := &Session{
		ID:           st.newID(),
		UserID:       userID,
		Goal:         goal,
		Status:       StatusRunning,
		CallbackURL:  callbackURL,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
		History:      make([]ActionRecord, 0),
	}
	s.Metrics = st.acc.Begin(s.ID, st.model)
	st.sessions[s.ID] = s
	st.active[userID] = s.ID
	created := s.clone()
	if st.writer != nil {
		st.writer.UpsertSession(s.record())
	}
	notifier := st.notifier
	st.mu.Unlock()

	if superseded != nil {
		logger.InfoF("[%s] Superseded by new task %s", superseded.ID, created.ID)
		if notifier != nil {
			notifier.TaskEnded(*superseded)
		}
	}
	logger.InfoF("[%s] Task created for user %s: %s", created.ID, userID, goal)
	return created, nil
}

// Get 返回内存中的会话，包括最近结束的会话
func (st *Store) Get(sessionID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		return s.clone(), true
	}
	if s, ok := st.recent.Get(sessionID); ok {
		return s.clone(), true
	}
	return Session{}, false
}

// Lookup 先查内存，再查持久化存储
func (st *Store) Lookup(ctx context.Context, sessionID string) (Session, error) {
	if s, ok := st.Get(sessionID); ok {
		return s, nil
	}
	if st.reader == nil {
		return Session{}, ErrSessionNotFound
	}
	rec, err := st.reader.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) || errors.Is(err, database.ErrEmptyID) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return fromRecord(rec), nil
}

// History 返回按步骤排序的历史记录
func (st *Store) History(ctx context.Context, sessionID string) ([]ActionRecord, error) {
	if s, ok := st.Get(sessionID); ok {
		return s.History, nil
	}
	if st.reader == nil {
		return nil, ErrSessionNotFound
	}
	docs, err := st.reader.GetHistory(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) || errors.Is(err, database.ErrEmptyID) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return fromActionDocs(docs), nil
}

func (st *Store) ActiveForUser(userID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.active[userID]
	if !ok {
		return Session{}, false
	}
	return st.sessions[id].clone(), true
}

// ActiveSessionID 返回用户当前任务 id，没有时返回空串
func (st *Store) ActiveSessionID(userID string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[userID]
}

// List 返回所有未结束会话的副本
func (st *Store) List() []Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	list := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		list = append(list, s.clone())
	}
	return list
}

func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// ObserveSnapshot 记录最新快照；时间戳较旧的快照不会覆盖较新的
func (st *Store) ObserveSnapshot(sessionID string, ev *protocol.UIEvent) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivity = st.now()
	if ev.Timestamp < s.LastSnapshotAt {
		return false
	}
	s.LastSnapshotAt = ev.Timestamp
	s.snapshot = ev
	return true
}

// LatestSnapshot 返回最新快照及其时间戳
func (st *Store) LatestSnapshot(sessionID string) (*protocol.UIEvent, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok || s.snapshot == nil {
		return nil, false
	}
	return s.snapshot, true
}

// TryBeginDecision 设置 decision_in_flight；已有决策在进行时返回 false
func (st *Store) TryBeginDecision(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok || s.DecisionInFlight {
		return false
	}
	s.DecisionInFlight = true
	return true
}

func (st *Store) EndDecision(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		s.DecisionInFlight = false
	}
}

// appendLocked 追加历史并同步累计指标，保证历史长度与步骤数一致
func (st *Store) appendLocked(s *Session, action, reason, result string, usage metrics.Usage) ActionRecord {
	now := st.now()
	rec := ActionRecord{
		Step:      len(s.History) + 1,
		Timestamp: now,
		Action:    action,
		Reason:    reason,
		Result:    result,
	}
	s.History = append(s.History, rec)
	s.Metrics = st.acc.Step(s.ID, usage)
	s.UpdatedAt = now
	if st.writer != nil {
		st.writer.AppendActionRecord(&database.ActionRecordDoc{
			SessionID: s.ID,
			Step:      rec.Step,
			Timestamp: rec.Timestamp,
			Action:    rec.Action,
			Reason:    rec.Reason,
			Result:    rec.Result,
		})
		st.writer.UpdateMetrics(s.ID, metricsRecord(s.Metrics), now)
	}
	return rec
}

func (st *Store) setStatusLocked(s *Session, status Status, reason string) {
	s.Status = status
	s.Reason = reason
	s.UpdatedAt = st.now()
	if status == StatusPaused {
		s.PausedAt = s.UpdatedAt
	}
	if st.writer != nil {
		st.writer.UpdateStatus(s.ID, string(status), reason, s.Result, s.UpdatedAt)
	}
}

// endLocked 追加结束记录、落盘并移出活跃集合
func (st *Store) endLocked(s *Session, status Status, reason, result string) Session {
	st.appendLocked(s, string(status), reason, result, metrics.Usage{})
	return st.finishLocked(s, status, reason, result)
}

func (st *Store) finishLocked(s *Session, status Status, reason, result string) Session {
	s.Result = result
	s.DecisionInFlight = false
	s.AwaitingReconnect = false
	st.setStatusLocked(s, status, reason)
	s.Metrics = st.acc.Finish(s.ID)

	delete(st.sessions, s.ID)
	if st.active[s.UserID] == s.ID {
		delete(st.active, s.UserID)
	}
	ended := s.clone()
	ended.snapshot = nil
	st.recent.Add(s.ID, ended)
	return ended
}

// Decision 已被接受的决策
type Decision struct {
	Action string
	Reason string
	Result string
	Usage  metrics.Usage
}

// AcceptDecision 原子地检查会话仍在运行且快照未过期，然后追加历史；
// done/fail/pause 在同一临界区内完成状态转移
func (st *Store) AcceptDecision(sessionID string, basis int64, d Decision) (Session, ActionRecord, error) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return Session{}, ActionRecord{}, ErrNotRunning
	}
	if s.Status != StatusRunning {
		st.mu.Unlock()
		return s.clone(), ActionRecord{}, ErrNotRunning
	}
	if s.LastSnapshotAt != basis {
		st.mu.Unlock()
		return s.clone(), ActionRecord{}, ErrStaleDecision
	}

	rec := st.appendLocked(s, d.Action, d.Reason, d.Result, d.Usage)
	var out Session
	ended := false
	switch d.Action {
	case ActionDone, ActionFail:
		status := StatusCompleted
		if d.Action == ActionFail {
			status = StatusFailed
		}
		result := d.Result
		if result == "" {
			result = d.Reason
		}
		out = st.finishLocked(s, status, d.Reason, result)
		ended = true
	case protocol.ActionPause:
		st.setStatusLocked(s, StatusPaused, d.Reason)
		out = s.clone()
	default:
		out = s.clone()
	}
	notifier := st.notifier
	st.mu.Unlock()

	if ended {
		logger.InfoF("[%s] Task ended as %s: %s", out.ID, out.Status, out.Result)
		if notifier != nil {
			notifier.TaskEnded(out)
		}
	}
	return out, rec, nil
}

// Pause Running → Paused，不追加历史
func (st *Store) Pause(sessionID, reason string) (Session, error) {
	return st.pause(sessionID, reason, false)
}

// PauseWithRecord Running → Paused，并追加一条 pause 记录
func (st *Store) PauseWithRecord(sessionID, reason string) (Session, error) {
	return st.pause(sessionID, reason, true)
}

func (st *Store) pause(sessionID, reason string, withRecord bool) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.Status != StatusRunning {
		return s.clone(), fmt.Errorf("pause from %s: %w", s.Status, ErrInvalidTransition)
	}
	if withRecord {
		st.appendLocked(s, protocol.ActionPause, reason, "", metrics.Usage{})
	}
	st.setStatusLocked(s, StatusPaused, reason)
	logger.InfoF("[%s] Task paused: %s", s.ID, reason)
	return s.clone(), nil
}

// Resume Paused → Running，同时清零连续失败计数；不会主动触发决策
func (st *Store) Resume(sessionID string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.Status != StatusPaused {
		return s.clone(), fmt.Errorf("resume from %s: %w", s.Status, ErrInvalidTransition)
	}
	s.Failures = 0
	s.LastActivity = st.now()
	st.setStatusLocked(s, StatusRunning, "")
	logger.InfoF("[%s] Task resumed", s.ID)
	return s.clone(), nil
}

// End 以终止状态结束会话
func (st *Store) End(sessionID string, status Status, reason string) (Session, error) {
	return st.EndIf(sessionID, nil, status, reason)
}

// EndIf 在锁内检查条件成立后再结束会话，供后台扫描使用以避免与主流程竞争
func (st *Store) EndIf(sessionID string, cond func(Session) bool, status Status, reason string) (Session, error) {
	if !status.Terminal() {
		return Session{}, fmt.Errorf("end with %s: %w", status, ErrInvalidTransition)
	}
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if cond != nil && !cond(s.clone()) {
		st.mu.Unlock()
		return s.clone(), ErrInvalidTransition
	}
	ended := st.endLocked(s, status, reason, reason)
	notifier := st.notifier
	st.mu.Unlock()

	logger.InfoF("[%s] Task ended as %s: %s", ended.ID, ended.Status, reason)
	if notifier != nil {
		notifier.TaskEnded(ended)
	}
	return ended, nil
}

// RecordFailure 连续失败计数加一并返回新值
func (st *Store) RecordFailure(sessionID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return 0
	}
	s.Failures++
	return s.Failures
}

func (st *Store) ResetFailures(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		s.Failures = 0
	}
}

// RecordDeviceError 保存手机上报的非致命错误
func (st *Store) RecordDeviceError(sessionID, code, message string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastDeviceError = fmt.Sprintf("%s: %s", code, message)
	s.UpdatedAt = st.now()
	return true
}

// MarkDisconnected 用户连接注销时标记其活跃会话为等待重连
func (st *Store) MarkDisconnected(userID string, at time.Time) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.active[userID]
	if !ok {
		return Session{}, false
	}
	s := st.sessions[id]
	s.AwaitingReconnect = true
	s.DisconnectedAt = at
	s.ConnectionID = ""
	return s.clone(), true
}

// Rebind 把用户的活跃会话重新绑定到新连接。
// 断线时间不晚于 cutoff 的会话宽限期已过，不会被恢复，返回 ErrReconnectExpired
func (st *Store) Rebind(userID, connectionID string, cutoff time.Time) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.active[userID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s := st.sessions[id]
	if s.AwaitingReconnect && !s.DisconnectedAt.After(cutoff) {
		return s.clone(), ErrReconnectExpired
	}
	s.AwaitingReconnect = false
	s.DisconnectedAt = time.Time{}
	s.ConnectionID = connectionID
	return s.clone(), nil
}
