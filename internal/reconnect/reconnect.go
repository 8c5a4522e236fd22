// Package reconnect 处理断线宽限期：宽限期内重连则恢复任务，超时则取消
package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

type Options struct {
	Sessions    *session.Store
	Sender      connection.Sender
	GracePeriod time.Duration
	// ReconcileTimeout 修正残留任务记录时数据库操作的总超时
	ReconcileTimeout time.Duration
	Now              func() time.Time
}

type Manager struct {
	sessions *session.Store
	sender   connection.Sender
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions: opts.Sessions,
		sender:   opts.Sender,
		grace:    opts.GracePeriod,
		timeout:  opts.ReconcileTimeout,
		now:      opts.Now,
	}
	if m.grace <= 0 {
		m.grace = 30 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Attach 订阅连接管理器的建连与断线事件
func (m *Manager) Attach(r *connection.Registry) {
	r.OnConnect(m.HandleConnect)
	r.OnDisconnect(m.HandleDisconnect)
}

// HandleDisconnect 只标记等待重连，不立即取消任务
func (m *Manager) HandleDisconnect(e *connection.Entry) {
	s, ok := m.sessions.MarkDisconnected(e.UserID, m.now())
	if !ok {
		return
	}
	logger.InfoF("[%s] Device of %s disconnected, waiting %v for reconnect", s.ID, e.UserID, m.grace)
}

// HandleConnect 重新绑定活跃任务并下发 task_resume；宽限期已过的任务直接取消
func (m *Manager) HandleConnect(e *connection.Entry) {
	s, err := m.sessions.Rebind(e.UserID, e.ID, m.now().Add(-m.grace))
	switch {
	case errors.Is(err, session.ErrReconnectExpired):
		if ended, endErr := m.expire(s); endErr == nil {
			logger.WarnF("[%s] Reconnect of %s came after %v, task cancelled", ended.ID, e.UserID, m.grace)
		}
		return
	case errors.Is(err, session.ErrSessionNotFound):
		// 内存中没有活跃任务时，数据库里的活跃记录只能是上次运行留下的
		go m.reconcile(e.UserID)
		return
	case err != nil:
		return
	}
	logger.InfoF("[%s] Resume task on %s, status=%s", s.ID, e.ID, s.Status)
	m.sender.Send(e.UserID, protocol.NewTaskResume(s.ID, s.Goal, string(s.Status), s.Reason))
}

// expire 以断线超时取消会话；会话在此期间已重连或已结束时不做任何事
func (m *Manager) expire(s session.Session) (session.Session, error) {
	disconnectedAt := s.DisconnectedAt
	return m.sessions.EndIf(s.ID, func(cur session.Session) bool {
		return cur.AwaitingReconnect && cur.DisconnectedAt.Equal(disconnectedAt)
	}, session.StatusCancelled, session.ReasonDisconnected)
}

func (m *Manager) reconcile(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.sessions.ReconcileUser(ctx, userID); err != nil {
		logger.ErrorF("[%s] Fail to reconcile orphaned tasks, details: %v", userID, err)
	}
}

// Sweep 取消宽限期已过仍未重连的任务
func (m *Manager) Sweep() []session.Session {
	now := m.now()
	var cancelled []session.Session
	for _, s := range m.sessions.List() {
		if !s.AwaitingReconnect || now.Sub(s.DisconnectedAt) < m.grace {
			continue
		}
		ended, err := m.expire(s)
		if err != nil {
			continue
		}
		logger.WarnF("[%s] No reconnect within %v, task cancelled", ended.ID, m.grace)
		cancelled = append(cancelled, ended)
	}
	return cancelled
}

func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
