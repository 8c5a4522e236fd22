package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/life-stream-dev/ghosttap-server/internal/database"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

const maxOrphans = 8

// known 判断会话是否由本进程创建，包括已结束但仍在最近缓存中的
func (st *Store) known(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[sessionID]; ok {
		return true
	}
	return st.recent.Contains(sessionID)
}

// ReconcileUser 把数据库中该用户残留的活跃记录标记为已取消。
// 这些记录来自上一次进程运行，内存中已无对应会话，永远不会再被推进。
// 返回被修正的会话 ID。
func (st *Store) ReconcileUser(ctx context.Context, userID string) ([]string, error) {
	if st.reader == nil || userID == "" {
		return nil, nil
	}
	var fixed []string
	for range maxOrphans {
		rec, err := st.reader.GetActiveSessionForUser(ctx, userID)
		if errors.Is(err, database.ErrSessionNotFound) {
			return fixed, nil
		}
		if err != nil {
			return fixed, fmt.Errorf("find active session of %s: %w", userID, err)
		}
		if st.known(rec.SessionID) {
			return fixed, nil
		}
		// 本进程对该记录没有待写入的操作，可以直接同步写
		if err := st.reader.UpdateStatus(ctx, rec.SessionID, string(StatusCancelled), ReasonOrphaned, rec.Result, st.now()); err != nil {
			return fixed, fmt.Errorf("cancel orphaned session %s: %w", rec.SessionID, err)
		}
		logger.WarnF("[%s] Orphaned %s task of %s marked cancelled", rec.SessionID, rec.Status, userID)
		fixed = append(fixed, rec.SessionID)
	}
	return fixed, nil
}
