package connection

import (
	"context"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

// Sender 尽力而为地向用户当前连接发送消息；没有在线连接时返回 false，不视为错误
type Sender interface {
	Send(userID string, msg any) bool
}

// Send 发送消息到用户当前连接
func (r *Registry) Send(userID string, msg any) bool {
	entry, ok := r.Get(userID)
	if !ok {
		logger.DebugF("No live connection for user %s, drop %T", userID, msg)
		return false
	}
	return r.sendTo(entry, msg)
}

func (r *Registry) sendTo(entry *Entry, msg any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()
	if err := entry.conn.Send(ctx, msg); err != nil {
		logger.WarnF("[%s] Fail to send %T, details: %v", entry.ID, msg, err)
		return false
	}
	logger.DebugF("[%s] Send %T to user %s", entry.ID, msg, entry.UserID)
	return true
}
