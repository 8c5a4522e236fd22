// Package protocol 定义了手机端与云端之间的 JSON 消息格式
package protocol

// MessageType 消息类型，对应 JSON 中的 type 字段
type MessageType string

// 上行消息（手机 → 云端）
const (
	TypePing    MessageType = "ping"
	TypeUIEvent MessageType = "ui_event"
	TypePause   MessageType = "pause"
	TypeResume  MessageType = "resume"
	TypeStop    MessageType = "stop"
	TypeError   MessageType = "error"
)

// 下行消息（云端 → 手机）
const (
	TypePong       MessageType = "pong"
	TypeTaskStart  MessageType = "task_start"
	TypeTaskResume MessageType = "task_resume"
	TypeAction     MessageType = "action"
	TypeTaskEnd    MessageType = "task_end"
)

// 动作名称
const (
	ActionClick     = "click"
	ActionInput     = "input"
	ActionSwipe     = "swipe"
	ActionBack      = "back"
	ActionHome      = "home"
	ActionLaunchApp = "launch_app"
	ActionWait      = "wait"
	ActionPause     = "pause"
)

// 任务结束状态，使用手机端的取值
const (
	EndSuccess   = "success"
	EndFailed    = "failed"
	EndCancelled = "cancelled"
)

// IsDeviceAction 判断动作是否可以直接下发到手机执行
func IsDeviceAction(action string) bool {
	switch action {
	case ActionClick, ActionInput, ActionSwipe, ActionBack, ActionHome,
		ActionLaunchApp, ActionWait, ActionPause:
		return true
	}
	return false
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// ScreenInfo 屏幕信息
type ScreenInfo struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Orientation     string  `json:"orientation,omitempty"`
	KeyboardVisible bool    `json:"keyboard_visible,omitempty"`
	KeyboardHeight  float64 `json:"keyboard_height,omitempty"`
}

// UIElement 界面元素，坐标均为屏幕百分比
type UIElement struct {
	ID      int       `json:"id"`
	Type    string    `json:"type,omitempty"`
	Text    string    `json:"text,omitempty"`
	Desc    string    `json:"desc,omitempty"`
	Pos     []float64 `json:"pos,omitempty"`
	Center  []float64 `json:"center,omitempty"`
	Actions []string  `json:"actions,omitempty"`
}

type UIStats struct {
	OriginalNodes int  `json:"original_nodes"`
	FilteredNodes int  `json:"filtered_nodes"`
	Truncated     bool `json:"truncated,omitempty"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// UIEvent 屏幕状态快照
type UIEvent struct {
	Type        MessageType `json:"type"`
	Timestamp   int64       `json:"timestamp"`
	SessionID   string      `json:"session_id"`
	PackageName string      `json:"package_name"`
	Activity    string      `json:"activity,omitempty"`
	Screen      ScreenInfo  `json:"screen"`
	Elements    []UIElement `json:"elements"`
	Stats       *UIStats    `json:"stats,omitempty"`
}

// Control 暂停、恢复、停止请求共用的结构
type Control struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// DeviceError 动作执行失败时手机上报的错误
type DeviceError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Error     string      `json:"error"`
	Message   string      `json:"message"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type TaskStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Goal      string      `json:"goal"`
}

type TaskResume struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Goal      string      `json:"goal"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
}

// Target 只保留中心点坐标 [x%, y%]
type Target struct {
	Center []float64 `json:"center"`
}

type Action struct {
	Type        MessageType `json:"type"`
	Action      string      `json:"action"`
	Target      *Target     `json:"target,omitempty"`
	Text        string      `json:"text,omitempty"`
	Direction   string      `json:"direction,omitempty"`
	Distance    *float64    `json:"distance,omitempty"`
	DurationMs  *int        `json:"duration_ms,omitempty"`
	PackageName string      `json:"package_name,omitempty"`
	WaitMs      *int        `json:"wait_ms,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

type TaskEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Result    string      `json:"result,omitempty"`
}

func NewPong(timestamp int64) *Pong {
	return &Pong{Type: TypePong, Timestamp: timestamp}
}

func NewTaskStart(sessionID, goal string) *TaskStart {
	return &TaskStart{Type: TypeTaskStart, SessionID: sessionID, Goal: goal}
}

func NewTaskResume(sessionID, goal, status, reason string) *TaskResume {
	return &TaskResume{Type: TypeTaskResume, SessionID: sessionID, Goal: goal, Status: status, Reason: reason}
}

func NewTaskEnd(sessionID, status, result string) *TaskEnd {
	return &TaskEnd{Type: TypeTaskEnd, SessionID: sessionID, Status: status, Result: result}
}

func NewPauseAction(reason string) *Action {
	return &Action{Type: TypeAction, Action: ActionPause, Reason: reason}
}

func NewWaitAction(waitMs int, reason string) *Action {
	return &Action{Type: TypeAction, Action: ActionWait, WaitMs: &waitMs, Reason: reason}
}
