package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/life-stream-dev/ghosttap-server/internal/connection"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
)

// wsConn 把 websocket 连接适配为 connection.Conn
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	remote string
}

func (c *wsConn) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func credentialsFrom(r *http.Request) connection.Credentials {
	token := r.URL.Query().Get("token")
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); token == "" && strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return connection.Credentials{Token: token}
}

// handleDevice 设备长连接：建连即认证，之后按 type 分发上行消息
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.WarnF("[%s] Fail to accept websocket, details: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	query := r.URL.Query()
	adapter := &wsConn{conn: conn, remote: r.RemoteAddr}
	entry, err := s.registry.Connect(query.Get("user_id"), query.Get("device_name"), credentialsFrom(r), adapter)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	defer func() {
		logger.DebugF("[%s] Connection closed", entry.ID)
		s.registry.Remove(entry)
		_ = conn.CloseNow()
	}()

	ctx := s.ctx
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			handleReadError(entry.ID, err)
			return
		}
		s.registry.Touch(entry)
		s.dispatch(entry, raw)
	}
}

func (s *Server) dispatch(entry *connection.Entry, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			logger.WarnF("[%s] Ignore message: %v", entry.ID, err)
		} else {
			logger.WarnF("[%s] Drop malformed message, details: %v", entry.ID, err)
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		s.registry.Heartbeat(entry, m.Timestamp)
	case *protocol.UIEvent:
		logger.DebugF("[%s] Receive ui_event ts=%d elements=%d", m.SessionID, m.Timestamp, len(m.Elements))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.orchestrator.HandleSnapshot(s.ctx, entry.UserID, m)
		}()
	case *protocol.Control:
		_ = s.orchestrator.HandleControl(entry.UserID, m)
	case *protocol.DeviceError:
		_ = s.orchestrator.HandleDeviceError(entry.UserID, m)
	}
}
