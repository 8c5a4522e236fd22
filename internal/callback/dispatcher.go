package callback

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

// Dispatcher 实现 session.Notifier；回调在后台协程中投递，不阻塞状态机
type Dispatcher struct {
	sender  connection.Sender
	client  *Client
	timeout time.Duration
	wg      sync.WaitGroup
}

var _ session.Notifier = (*Dispatcher)(nil)

func NewDispatcher(sender connection.Sender, client *Client, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{sender: sender, client: client, timeout: timeout}
}

func payloadOf(s session.Session, status string) Payload {
	return Payload{
		Type:      EventTaskCompleted,
		UserID:    s.UserID,
		SessionID: s.ID,
		Status:    status,
		Result:    s.Result,
		Goal:      s.Goal,
		Steps:     len(s.History),
		Cost:      s.Metrics.Cost.String(),
	}
}

func (d *Dispatcher) TaskEnded(s session.Session) {
	d.sender.Send(s.UserID, protocol.NewTaskEnd(s.ID, s.Status.EndStatus(), s.Result))
	d.deliver(s, payloadOf(s, string(s.Status)))
}

// TaskPaused 决策方不可用导致的暂停只通知回调地址
func (d *Dispatcher) TaskPaused(s session.Session) {
	p := payloadOf(s, string(s.Status))
	p.Result = s.Reason
	d.deliver(s, p)
}

func (d *Dispatcher) deliver(s session.Session, p Payload) {
	if s.CallbackURL == "" {
		logger.InfoF("[%s] No callback url configured, skip %s notification", s.ID, p.Status)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.client.Deliver(ctx, s.CallbackURL, p); err != nil {
			logger.ErrorF("[%s] Fail to deliver callback, details: %v", s.ID, err)
			return
		}
		logger.InfoF("[%s] Callback delivered, status=%s", s.ID, p.Status)
	}()
}

// Invoke 等待正在投递的回调完成，供退出清理使用
func (d *Dispatcher) Invoke(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
