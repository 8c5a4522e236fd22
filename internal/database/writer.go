package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

var ErrWriterClosed = errors.New("persistence writer is closed")

// Writer 即发即忘的写接口，调用方不等待也不关心结果
type Writer interface {
	UpsertSession(record *SessionRecord)
	UpdateStatus(sessionID, status, reason, result string, at time.Time)
	UpdateMetrics(sessionID string, metrics MetricsRecord, at time.Time)
	AppendActionRecord(record *ActionRecordDoc)
}

type writeOp struct {
	name      string
	sessionID string
	fn        func(ctx context.Context) error
	done      chan struct{}
}

// AsyncWriter 单 worker 顺序写入，保证同一会话的写入顺序与提交顺序一致
type AsyncWriter struct {
	store   Store
	ch      chan writeOp
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Writer = (*AsyncWriter)(nil)

func NewAsyncWriter(store Store, queueSize int, timeout time.Duration) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &AsyncWriter{
		store:   store,
		ch:      make(chan writeOp, queueSize),
		timeout: timeout,
	}
	w.wg.Add(1)
	go w.startWorker()
	return w
}

func (w *AsyncWriter) startWorker() {
	defer w.wg.Done()
	for op := range w.ch {
		if op.done != nil {
			close(op.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := op.fn(ctx); err != nil {
			logger.ErrorF("[%s] Fail to persist %s, details: %v", op.sessionID, op.name, err)
		}
		cancel()
	}
}

func (w *AsyncWriter) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		logger.WarnF("[%s] Persistence writer closed, drop %s", op.sessionID, op.name)
		return
	}
	select {
	case w.ch <- op:
	default:
		logger.WarnF("[%s] Persistence queue full, drop %s", op.sessionID, op.name)
	}
}

func (w *AsyncWriter) UpsertSession(record *SessionRecord) {
	cp := *record
	w.enqueue(writeOp{name: "upsert-session", sessionID: cp.SessionID, fn: func(ctx context.Context) error {
		return w.store.UpsertSession(ctx, &cp)
	}})
}

func (w *AsyncWriter) UpdateStatus(sessionID, status, reason, result string, at time.Time) {
	w.enqueue(writeOp{name: "update-status", sessionID: sessionID, fn: func(ctx context.Context) error {
		return w.store.UpdateStatus(ctx, sessionID, status, reason, result, at)
	}})
}

func (w *AsyncWriter) UpdateMetrics(sessionID string, metrics MetricsRecord, at time.Time) {
	w.enqueue(writeOp{name: "update-metrics", sessionID: sessionID, fn: func(ctx context.Context) error {
		return w.store.UpdateMetrics(ctx, sessionID, metrics, at)
	}})
}

func (w *AsyncWriter) AppendActionRecord(record *ActionRecordDoc) {
	cp := *record
	w.enqueue(writeOp{name: "append-action", sessionID: cp.SessionID, fn: func(ctx context.Context) error {
		return w.store.AppendActionRecord(ctx, &cp)
	}})
}

// Flush 等待此前提交的写入全部完成
func (w *AsyncWriter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.ch <- writeOp{name: "flush", done: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke 关闭队列并等待剩余写入完成，供退出清理使用
func (w *AsyncWriter) Invoke(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
