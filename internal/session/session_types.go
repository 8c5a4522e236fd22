// Package session 维护任务会话的状态机、历史记录以及持久化镜像
package session

import (
	"errors"
	"slices"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/database"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 终止状态不会再发生任何转移
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EndStatus 转换为 task_end 消息中手机端使用的状态取值
func (s Status) EndStatus() string {
	switch s {
	case StatusCompleted:
		return protocol.EndSuccess
	case StatusFailed:
		return protocol.EndFailed
	default:
		return protocol.EndCancelled
	}
}

// 决策方的终止动作，不会下发到手机
const (
	ActionDone = "done"
	ActionFail = "fail"
)

// 固定的结束或暂停原因
const (
	ReasonSuperseded   = "被新任务取代"
	ReasonMaxSteps     = "超过最大步骤数限制"
	ReasonTaskTimeout  = "任务超时"
	ReasonPauseTimeout = "暂停超时"
	ReasonDisconnected = "断线超时"
	ReasonUserPause    = "用户暂停"
	ReasonUserStop     = "用户主动停止"
	ReasonUnavailable  = "AI服务暂时不可用"
	ReasonOperatorStop = "任务已被取消"
	ReasonOrphaned     = "服务重启，任务已中断"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotRunning        = errors.New("session is not running")
	ErrStaleDecision     = errors.New("decision is based on a stale snapshot")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingField      = errors.New("required field is missing")
	ErrReconnectExpired  = errors.New("reconnect grace period has expired")
)

// ActionRecord 一条历史步骤，追加后不再修改
type ActionRecord struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Result    string    `json:"result,omitempty"`
}

// Session 会话的只读副本；Store 内部持有的实例从不直接暴露
type Session struct {
	ID          string
	UserID      string
	Goal        string
	Status      Status
	Reason      string
	Result      string
	CallbackURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	History     []ActionRecord
	Metrics     metrics.Snapshot

	// ConnectionID 绑定连接的弱引用，仅用于日志和重连判定
	ConnectionID      string
	LastSnapshotAt    int64
	LastActivity      time.Time
	PausedAt          time.Time
	DecisionInFlight  bool
	AwaitingReconnect bool
	DisconnectedAt    time.Time
	Failures          int
	LastDeviceError   string

	snapshot *protocol.UIEvent
}

func (s *Session) clone() Session {
	cp := *s
	cp.History = slices.Clone(s.History)
	return cp
}

// Steps 当前已记录的步骤数
func (s *Session) Steps() int {
	return len(s.History)
}

func (s *Session) record() *database.SessionRecord {
	return &database.SessionRecord{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Goal:        s.Goal,
		Status:      string(s.Status),
		Reason:      s.Reason,
		Result:      s.Result,
		CallbackURL: s.CallbackURL,
		Metrics:     metricsRecord(s.Metrics),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func metricsRecord(m metrics.Snapshot) database.MetricsRecord {
	return database.MetricsRecord{
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		TotalTokens:  m.TotalTokens,
		Cost:         m.Cost.String(),
		StepCount:    m.StepCount,
		Model:        m.Model,
	}
}

func fromRecord(r *database.SessionRecord) Session {
	return Session{
		ID:          r.SessionID,
		UserID:      r.UserID,
		Goal:        r.Goal,
		Status:      Status(r.Status),
		Reason:      r.Reason,
		Result:      r.Result,
		CallbackURL: r.CallbackURL,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Metrics: metrics.Snapshot{
			InputTokens:  r.Metrics.InputTokens,
			OutputTokens: r.Metrics.OutputTokens,
			TotalTokens:  r.Metrics.TotalTokens,
			Cost:         parseCost(r.Metrics.Cost),
			StepCount:    r.Metrics.StepCount,
			Model:        r.Metrics.Model,
		},
	}
}

func fromActionDocs(docs []database.ActionRecordDoc) []ActionRecord {
	history := make([]ActionRecord, 0, len(docs))
	for _, d := range docs {
		history = append(history, ActionRecord{
			Step:      d.Step,
			Timestamp: d.Timestamp,
			Action:    d.Action,
			Reason:    d.Reason,
			Result:    d.Result,
		})
	}
	return history
}

// Notifier 接收会话结束通知，在 Store 的锁外调用
type Notifier interface {
	TaskEnded(s Session)
	TaskPaused(s Session)
}
