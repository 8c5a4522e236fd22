package database

import (
	"context"
	"errors"
	"time"
)

const (
	SessionCollectionName = "sessions"
	ActionCollectionName  = "action_records"
)

var (
	ErrEmptyID         = errors.New("session_id is empty")
	ErrSessionNotFound = errors.New("session not found")
)

type MetricsRecord struct {
	InputTokens  int64  `bson:"input_tokens" json:"input_tokens"`
	OutputTokens int64  `bson:"output_tokens" json:"output_tokens"`
	TotalTokens  int64  `bson:"total_tokens" json:"total_tokens"`
	Cost         string `bson:"cost" json:"cost"` // decimal 字符串
	StepCount    int    `bson:"step_count" json:"step_count"`
	Model        string `bson:"model" json:"model"`
}

// SessionRecord 持久化的任务摘要，历史步骤单独存放
type SessionRecord struct {
	SessionID   string        `bson:"session_id"`
	UserID      string        `bson:"user_id"`
	Goal        string        `bson:"goal"`
	Status      string        `bson:"status"`
	Reason      string        `bson:"reason,omitempty"`
	Result      string        `bson:"result,omitempty"`
	CallbackURL string        `bson:"callback_url,omitempty"`
	Metrics     MetricsRecord `bson:"metrics"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

type ActionRecordDoc struct {
	SessionID string    `bson:"session_id"`
	Step      int       `bson:"step"`
	Timestamp time.Time `bson:"timestamp"`
	Action    string    `bson:"action"`
	Reason    string    `bson:"reason,omitempty"`
	Result    string    `bson:"result,omitempty"`
}

// Store 持久化接口；对编排器而言是内存状态的镜像，仅用于持久化和查询
type Store interface {
	UpsertSession(ctx context.Context, session *SessionRecord) error
	UpdateStatus(ctx context.Context, sessionID, status, reason, result string, at time.Time) error
	UpdateMetrics(ctx context.Context, sessionID string, metrics MetricsRecord, at time.Time) error
	AppendActionRecord(ctx context.Context, record *ActionRecordDoc) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	GetActiveSessionForUser(ctx context.Context, userID string) (*SessionRecord, error)
	GetHistory(ctx context.Context, sessionID string) ([]ActionRecordDoc, error)
}

// ActiveStatuses 非终止状态
var ActiveStatuses = []string{"running", "paused"}
