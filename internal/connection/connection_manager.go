// Package connection 管理每个用户唯一的设备长连接
package connection

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
)

const (
	ReasonReplaced = "设备已在其他位置连接"
	ReasonTimeout  = "heartbeat timeout"

	allowAll = "*"
)

var (
	ErrMissingUserID = errors.New("user_id is required")
	ErrUnauthorized  = errors.New("user is not allowed")
)

// Conn 设备连接的传输层抽象
type Conn interface {
	Send(ctx context.Context, msg any) error
	Close(reason string) error
	RemoteAddr() string
}

// Credentials 建连时携带的凭证
type Credentials struct {
	Token string
}

// Entry 表示一个已认证的设备连接
type Entry struct {
	ID            string
	UserID        string
	DeviceName    string
	Authenticated bool
	ConnectedAt   time.Time

	conn          Conn
	lastHeartbeat time.Time
}

type Options struct {
	AllowedUsers []string
	Token        string
	Timeout      time.Duration
	SendTimeout  time.Duration
	// ActiveSession 返回用户当前任务 id，用于被顶替连接的取消通知
	ActiveSession func(userID string) string
	Now           func() time.Time
}

// Registry 连接管理器：user_id → 唯一在线连接
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Entry

	allow         map[string]struct{}
	token         string
	timeout       time.Duration
	sendTimeout   time.Duration
	activeSession func(string) string
	now           func() time.Time
	seq           atomic.Uint64

	listenersMu  sync.RWMutex
	onConnect    []func(*Entry)
	onDisconnect []func(*Entry)
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		byUser:        make(map[string]*Entry),
		allow:         make(map[string]struct{}, len(opts.AllowedUsers)),
		token:         opts.Token,
		timeout:       opts.Timeout,
		sendTimeout:   opts.SendTimeout,
		activeSession: opts.ActiveSession,
		now:           opts.Now,
	}
	for _, u := range opts.AllowedUsers {
		r.allow[u] = struct{}{}
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Minute
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = 10 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// OnConnect 注册连接建立后的回调，回调在锁外执行
func (r *Registry) OnConnect(fn func(*Entry)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

// OnDisconnect 注册连接注销后的回调，被顶替的旧连接不会触发
func (r *Registry) OnDisconnect(fn func(*Entry)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

func (r *Registry) authorize(userID string, creds Credentials) error {
	if userID == "" {
		return ErrMissingUserID
	}
	_, all := r.allow[allowAll]
	if _, ok := r.allow[userID]; !ok && !all {
		return ErrUnauthorized
	}
	if r.token != "" && creds.Token != r.token {
		return ErrUnauthorized
	}
	return nil
}

// Connect 认证并登记新连接；同一用户已有连接时，旧连接收到取消通知后被关闭
func (r *Registry) Connect(userID, deviceName string, creds Credentials, conn Conn) (*Entry, error) {
	if err := r.authorize(userID, creds); err != nil {
		logger.WarnF("[%s] Reject connection for user %q: %v", conn.RemoteAddr(), userID, err)
		return nil, err
	}

	now := r.now()
	entry := &Entry{
		ID:            "conn-" + strconv.FormatUint(r.seq.Add(1), 10),
		UserID:        userID,
		DeviceName:    deviceName,
		Authenticated: true,
		ConnectedAt:   now,
		conn:          conn,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	old := r.byUser[userID]
	r.byUser[userID] = entry
	r.mu.Unlock()

	if old != nil {
		logger.InfoF("[%s] User %s connected from another device, closing previous connection %s", entry.ID, userID, old.ID)
		sessionID := ""
		if r.activeSession != nil {
			sessionID = r.activeSession(userID)
		}
		// 旧连接可能已半开，通知和关闭握手都不能拖住新连接
		go r.retire(old, sessionID)
	}

	logger.InfoF("[%s] User %s connected, device=%q remote=%s", entry.ID, userID, deviceName, conn.RemoteAddr())

	r.listenersMu.RLock()
	listeners := append([]func(*Entry){}, r.onConnect...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(entry)
	}
	return entry, nil
}

// retire 通知被顶替的连接后将其关闭
func (r *Registry) retire(old *Entry, sessionID string) {
	r.sendTo(old, protocol.NewTaskEnd(sessionID, protocol.EndCancelled, ReasonReplaced))
	if err := old.conn.Close(ReasonReplaced); err != nil {
		logger.DebugF("[%s] Error occured while closing replaced connection, details: %v", old.ID, err)
	}
}

// Heartbeat 刷新心跳时间并回显客户端时间戳
func (r *Registry) Heartbeat(entry *Entry, clientTimestamp int64) {
	r.Touch(entry)
	r.sendTo(entry, protocol.NewPong(clientTimestamp))
}

// Touch 任何上行消息都视为存活
func (r *Registry) Touch(entry *Entry) {
	r.mu.Lock()
	entry.lastHeartbeat = r.now()
	r.mu.Unlock()
}

func (r *Registry) LastHeartbeat(entry *Entry) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entry.lastHeartbeat
}

// Remove 连接关闭时调用；只有当前登记的连接才会被注销并触发断线回调
func (r *Registry) Remove(entry *Entry) bool {
	r.mu.Lock()
	current, ok := r.byUser[entry.UserID]
	if !ok || current != entry {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, entry.UserID)
	r.mu.Unlock()

	logger.InfoF("[%s] User %s disconnected", entry.ID, entry.UserID)
	r.fireDisconnect(entry)
	return true
}

func (r *Registry) fireDisconnect(entry *Entry) {
	r.listenersMu.RLock()
	listeners := append([]func(*Entry){}, r.onDisconnect...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(entry)
	}
}

// Sweep 关闭并注销心跳超时的连接，返回被注销的用户
func (r *Registry) Sweep() []string {
	now := r.now()
	var expired []*Entry

	r.mu.Lock()
	for userID, e := range r.byUser {
		if now.Sub(e.lastHeartbeat) > r.timeout {
			expired = append(expired, e)
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	users := make([]string, 0, len(expired))
	for _, e := range expired {
		logger.WarnF("[%s] Heartbeat timeout for user %s, closing connection", e.ID, e.UserID)
		go func(conn Conn) { _ = conn.Close(ReasonTimeout) }(e.conn)
		r.fireDisconnect(e)
		users = append(users, e.UserID)
	}
	return users
}

// Run 周期性执行心跳检查，直到 ctx 取消
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) Get(userID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	return e, ok
}

func (r *Registry) IsConnected(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll 并发关闭所有连接并等待完成，用于进程退出
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		entries = append(entries, e)
	}
	r.byUser = make(map[string]*Entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			_ = conn.Close(reason)
		}(e.conn)
	}
	wg.Wait()
}
