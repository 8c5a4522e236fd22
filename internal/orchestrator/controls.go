package orchestrator

import (
	"fmt"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

// 这些设备错误意味着任务无法继续
var fatalDeviceErrors = map[string]struct{}{
	"PACKAGE_NOT_FOUND":   {},
	"APP_NOT_INSTALLED":   {},
	"PERMISSION_DENIED":   {},
	"SERVICE_UNAVAILABLE": {},
}

func IsFatalDeviceError(code string) bool {
	_, ok := fatalDeviceErrors[code]
	return ok
}

// StartTask 创建任务并尝试通知设备；设备不在线时任务仍然创建
func (o *Orchestrator) StartTask(userID, goal, callbackURL string) (session.Session, bool, error) {
	s, err := o.sessions.Create(userID, goal, callbackURL)
	if err != nil {
		return session.Session{}, false, err
	}
	connected := o.sender.Send(userID, protocol.NewTaskStart(s.ID, s.Goal))
	if !connected {
		logger.InfoF("[%s] Device of %s offline, task waits for connection", s.ID, userID)
	}
	return s, connected, nil
}

func (o *Orchestrator) owned(userID, sessionID string) (session.Session, bool) {
	s, ok := o.sessions.Get(sessionID)
	if !ok || s.UserID != userID || s.Status.Terminal() {
		logger.DebugF("[%s] Control from %s references no live session", sessionID, userID)
		return session.Session{}, false
	}
	return s, true
}

// HandleControl 处理手机端的暂停、恢复与停止请求
func (o *Orchestrator) HandleControl(userID string, c *protocol.Control) error {
	s, ok := o.owned(userID, c.SessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	var err error
	switch c.Type {
	case protocol.TypePause:
		_, err = o.sessions.Pause(s.ID, session.ReasonUserPause)
	case protocol.TypeResume:
		_, err = o.sessions.Resume(s.ID)
	case protocol.TypeStop:
		_, err = o.sessions.End(s.ID, session.StatusCancelled, session.ReasonUserStop)
	default:
		err = fmt.Errorf("unsupported control %q", c.Type)
	}
	if err != nil {
		logger.WarnF("[%s] Control %s rejected: %v", s.ID, c.Type, err)
	}
	return err
}

// HandleDeviceError 致命错误结束任务，其余错误只记录
func (o *Orchestrator) HandleDeviceError(userID string, e *protocol.DeviceError) error {
	s, ok := o.owned(userID, e.SessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	if IsFatalDeviceError(e.Error) {
		reason := e.Message
		if reason == "" {
			reason = e.Error
		}
		_, err := o.sessions.End(s.ID, session.StatusFailed, reason)
		return err
	}
	logger.WarnF("[%s] Device reported %s: %s", s.ID, e.Error, e.Message)
	o.sessions.RecordDeviceError(s.ID, e.Error, e.Message)
	return nil
}
