// Package provider 定义决策方的调用契约，并提供重试包装与 OpenAI 兼容实现
package provider

import (
	"context"

	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

// Request 一次决策所需的上下文
type Request struct {
	SessionID string
	Goal      string
	Snapshot  *protocol.UIEvent
	History   []session.ActionRecord
}

// Decision 决策方返回的下一步动作
type Decision struct {
	Action      string    `json:"action"`
	ElementID   *int      `json:"element_id,omitempty"`
	Target      []float64 `json:"target,omitempty"`
	Text        string    `json:"text,omitempty"`
	Direction   string    `json:"direction,omitempty"`
	Distance    *float64  `json:"distance,omitempty"`
	DurationMs  *int      `json:"duration_ms,omitempty"`
	PackageName string    `json:"package_name,omitempty"`
	WaitMs      *int      `json:"wait_ms,omitempty"`
	Reason      string    `json:"reason"`
	Result      string    `json:"result,omitempty"`

	Usage metrics.Usage `json:"-"`
}

// DecisionProvider 给定目标、快照与历史，返回下一步动作或错误
type DecisionProvider interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// Func 把普通函数适配为 DecisionProvider
type Func func(ctx context.Context, req Request) (*Decision, error)

func (f Func) Decide(ctx context.Context, req Request) (*Decision, error) {
	return f(ctx, req)
}
