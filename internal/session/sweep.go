package session

import (
	"context"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

// SweepTimeouts 取消空闲超时的运行中任务和暂停超时的任务，返回被结束的会话
func (st *Store) SweepTimeouts(taskTimeout, pauseTimeout time.Duration) []Session {
	now := st.now()
	var ended []Session
	for _, s := range st.List() {
		var reason string
		switch {
		case s.Status == StatusRunning && taskTimeout > 0 && now.Sub(s.LastActivity) > taskTimeout:
			reason = ReasonTaskTimeout
		case s.Status == StatusPaused && pauseTimeout > 0 && now.Sub(s.PausedAt) > pauseTimeout:
			reason = ReasonPauseTimeout
		default:
			continue
		}
		expected := s
		done, err := st.EndIf(s.ID, func(cur Session) bool {
			// 扫描期间会话可能已收到新快照或状态已变化
			return cur.Status == expected.Status &&
				cur.LastActivity.Equal(expected.LastActivity) &&
				cur.PausedAt.Equal(expected.PausedAt)
		}, StatusCancelled, reason)
		if err != nil {
			continue
		}
		ended = append(ended, done)
	}
	return ended
}

// Run 周期性执行超时扫描，直到 ctx 结束
func (st *Store) Run(ctx context.Context, interval, taskTimeout, pauseTimeout time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ended := st.SweepTimeouts(taskTimeout, pauseTimeout); len(ended) > 0 {
				logger.InfoF("Session sweep cancelled %d idle task(s)", len(ended))
			}
		}
	}
}
