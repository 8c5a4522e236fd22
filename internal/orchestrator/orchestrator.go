// Package orchestrator 实现快照驱动的 决策→执行 循环
package orchestrator

import (
	"context"
	"errors"

	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/provider"
	"github.com/life-stream-dev/ghosttap-server/internal/safety"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

const waitReason = "AI服务暂时繁忙，稍后重试"

// Outcome 一次快照处理的结果
type Outcome int

const (
	OutcomeIgnored     Outcome = iota // 会话不存在、不属于该用户或未在运行
	OutcomeStepLimit                  // 步数耗尽，任务失败
	OutcomeSafetyPause                // 命中安全规则，任务暂停
	OutcomeBusy                       // 已有决策在进行
	OutcomeSent                       // 动作已下发
	OutcomePaused                     // 决策方要求暂停
	OutcomeEnded                      // 决策方结束任务
	OutcomeWait                       // 决策失败，下发等待
	OutcomeUnavailable                // 连续失败达到阈值，任务暂停
	OutcomeDiscarded                  // 决策返回时会话已不在运行
	OutcomeAbandoned                  // 快照持续过期，超过迭代上限
)

var outcomeNames = [...]string{
	"ignored", "step_limit", "safety_pause", "busy", "sent", "paused",
	"ended", "wait", "unavailable", "discarded", "abandoned",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

type Options struct {
	Sessions *session.Store
	Sender   connection.Sender
	Provider provider.DecisionProvider
	// Notifier 仅用于决策方不可用导致的暂停通知
	Notifier         session.Notifier
	MaxSteps         int
	MaxIterations    int
	FailureThreshold int
	WaitMs           int
}

type Orchestrator struct {
	sessions         *session.Store
	sender           connection.Sender
	provider         provider.DecisionProvider
	notifier         session.Notifier
	maxSteps         int
	maxIterations    int
	failureThreshold int
	waitMs           int
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		sessions:         opts.Sessions,
		sender:           opts.Sender,
		provider:         opts.Provider,
		notifier:         opts.Notifier,
		maxSteps:         opts.MaxSteps,
		maxIterations:    opts.MaxIterations,
		failureThreshold: opts.FailureThreshold,
		waitMs:           opts.WaitMs,
	}
	if o.maxSteps <= 0 {
		o.maxSteps = 50
	}
	if o.maxIterations <= 0 {
		o.maxIterations = 3
	}
	if o.failureThreshold <= 0 {
		o.failureThreshold = 3
	}
	if o.waitMs <= 0 {
		o.waitMs = 2000
	}
	return o
}

// HandleSnapshot 处理一条 ui_event；决策调用期间不持有任何锁
func (o *Orchestrator) HandleSnapshot(ctx context.Context, userID string, ev *protocol.UIEvent) Outcome {
	s, ok := o.sessions.Get(ev.SessionID)
	if !ok || s.UserID != userID || s.Status != session.StatusRunning {
		logger.DebugF("[%s] Drop snapshot from %s, session not running", ev.SessionID, userID)
		return OutcomeIgnored
	}
	o.sessions.ObserveSnapshot(s.ID, ev)

	if s.Steps() >= o.maxSteps {
		if _, err := o.sessions.End(s.ID, session.StatusFailed, session.ReasonMaxSteps); err == nil {
			logger.WarnF("[%s] Step limit %d reached", s.ID, o.maxSteps)
		}
		return OutcomeStepLimit
	}

	if r := safety.Check(ev); r.Matched {
		if _, err := o.sessions.PauseWithRecord(s.ID, r.Reason); err != nil {
			return OutcomeIgnored
		}
		logger.WarnF("[%s] Safety gate matched: %s", s.ID, r.Reason)
		o.sender.Send(userID, protocol.NewPauseAction(r.Reason))
		return OutcomeSafetyPause
	}

	if !o.sessions.TryBeginDecision(s.ID) {
		logger.DebugF("[%s] Decision in flight, snapshot %d superseded", s.ID, ev.Timestamp)
		return OutcomeBusy
	}
	defer o.sessions.EndDecision(s.ID)

	return o.decide(ctx, s.ID)
}

func (o *Orchestrator) decide(ctx context.Context, sessionID string) Outcome {
	for iteration := 0; iteration < o.maxIterations; iteration++ {
		s, ok := o.sessions.Get(sessionID)
		if !ok || s.Status != session.StatusRunning {
			return OutcomeDiscarded
		}
		snap, ok := o.sessions.LatestSnapshot(sessionID)
		if !ok {
			return OutcomeDiscarded
		}
		basis := snap.Timestamp

		d, err := o.provider.Decide(ctx, provider.Request{
			SessionID: s.ID,
			Goal:      s.Goal,
			Snapshot:  snap,
			History:   s.History,
		})
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeDiscarded
			}
			return o.handleFailure(s, err)
		}
		o.sessions.ResetFailures(sessionID)

		accepted, rec, err := o.sessions.AcceptDecision(sessionID, basis, session.Decision{
			Action: d.Action,
			Reason: d.Reason,
			Result: d.Result,
			Usage:  d.Usage,
		})
		if errors.Is(err, session.ErrStaleDecision) {
			logger.DebugF("[%s] Decision based on %d is stale, retry", sessionID, basis)
			continue
		}
		if err != nil {
			logger.DebugF("[%s] Decision dropped: %v", sessionID, err)
			return OutcomeDiscarded
		}
		logger.InfoF("[%s] Step %d: %s %s", sessionID, rec.Step, d.Action, d.Reason)

		provider.ResolveTarget(d, snap)
		return o.dispatch(accepted, d)
	}
	logger.InfoF("[%s] Snapshots kept changing, abandon this cycle", sessionID)
	return OutcomeAbandoned
}

func (o *Orchestrator) dispatch(s session.Session, d *provider.Decision) Outcome {
	switch d.Action {
	case session.ActionDone, session.ActionFail:
		return OutcomeEnded
	case protocol.ActionPause:
		o.sender.Send(s.UserID, protocol.NewPauseAction(d.Reason))
		return OutcomePaused
	}

	// 决策期间会话可能已被用户停止
	cur, ok := o.sessions.Get(s.ID)
	if !ok || cur.Status != session.StatusRunning {
		logger.InfoF("[%s] Session no longer running, drop %s", s.ID, d.Action)
		return OutcomeDiscarded
	}
	o.sender.Send(s.UserID, BuildCommand(d))
	return OutcomeSent
}

func (o *Orchestrator) handleFailure(s session.Session, err error) Outcome {
	failures := o.sessions.RecordFailure(s.ID)
	logger.WarnF("[%s] Decision failed (%d/%d): %v", s.ID, failures, o.failureThreshold, err)

	if failures >= o.failureThreshold {
		paused, pauseErr := o.sessions.Pause(s.ID, session.ReasonUnavailable)
		if pauseErr != nil {
			return OutcomeDiscarded
		}
		o.sender.Send(s.UserID, protocol.NewPauseAction(session.ReasonUnavailable))
		if o.notifier != nil {
			o.notifier.TaskPaused(paused)
		}
		return OutcomeUnavailable
	}

	cur, ok := o.sessions.Get(s.ID)
	if !ok || cur.Status != session.StatusRunning {
		return OutcomeDiscarded
	}
	o.sender.Send(s.UserID, protocol.NewWaitAction(o.waitMs, waitReason))
	return OutcomeWait
}

// BuildCommand 把决策转换为下发给手机的 action 消息
func BuildCommand(d *provider.Decision) *protocol.Action {
	cmd := &protocol.Action{
		Type:        protocol.TypeAction,
		Action:      d.Action,
		Text:        d.Text,
		Direction:   d.Direction,
		Distance:    d.Distance,
		DurationMs:  d.DurationMs,
		PackageName: d.PackageName,
		WaitMs:      d.WaitMs,
		Reason:      d.Reason,
	}
	if len(d.Target) == 2 {
		cmd.Target = &protocol.Target{Center: []float64{d.Target[0], d.Target[1]}}
	}
	return cmd
}
