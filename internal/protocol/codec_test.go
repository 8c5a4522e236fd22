package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg any)
	}{
		{
			name:  "ping",
			input: `{"type":"ping","timestamp":1700000000123}`,
			check: func(t *testing.T, msg any) {
				ping, ok := msg.(*Ping)
				require.True(t, ok)
				assert.Equal(t, int64(1700000000123), ping.Timestamp)
			},
		},
		{
			name: "ui_event",
			input: `{"type":"ui_event","timestamp":5,"session_id":"s-1","package_name":"com.tencent.mm",
				"activity":".ui.LauncherUI","screen":{"width":1080,"height":2400,"orientation":"portrait"},
				"elements":[{"id":1,"type":"btn","text":"发送","center":[50.5,90],"actions":["click"]}],
				"stats":{"original_nodes":300,"filtered_nodes":1}}`,
			check: func(t *testing.T, msg any) {
				ev, ok := msg.(*UIEvent)
				require.True(t, ok)
				assert.Equal(t, "s-1", ev.SessionID)
				assert.Equal(t, "com.tencent.mm", ev.PackageName)
				require.Len(t, ev.Elements, 1)
				assert.Equal(t, []float64{50.5, 90}, ev.Elements[0].Center)
				require.NotNil(t, ev.Stats)
				assert.Equal(t, 300, ev.Stats.OriginalNodes)
			},
		},
		{
			name:  "ui_event package alias",
			input: `{"type":"ui_event","timestamp":5,"session_id":"s-1","package":"com.android.settings","elements":[]}`,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, "com.android.settings", msg.(*UIEvent).PackageName)
			},
		},
		{
			name:  "stop",
			input: `{"type":"stop","session_id":"s-2"}`,
			check: func(t *testing.T, msg any) {
				ctl := msg.(*Control)
				assert.Equal(t, TypeStop, ctl.Type)
				assert.Equal(t, "s-2", ctl.SessionID)
			},
		},
		{
			name:  "error",
			input: `{"type":"error","session_id":"s-3","error":"PACKAGE_NOT_FOUND","message":"未安装"}`,
			check: func(t *testing.T, msg any) {
				de := msg.(*DeviceError)
				assert.Equal(t, "PACKAGE_NOT_FOUND", de.Error)
				assert.Equal(t, "未安装", de.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{`not json`, ErrMalformed},
		{`{"timestamp":1}`, ErrMalformed},
		{`{"type":"teleport"}`, ErrUnknownType},
		{`{"type":"ui_event","timestamp":1}`, ErrMissingSession},
		{`{"type":"pause"}`, ErrMissingSession},
		{`{"type":"ping","timestamp":"soon"}`, ErrMalformed},
	}
	for _, tt := range tests {
		_, err := Decode([]byte(tt.input))
		assert.ErrorIs(t, err, tt.want, tt.input)
	}
}

func TestOutboundShapes(t *testing.T) {
	data, err := json.Marshal(NewWaitAction(2000, "retry"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"action","action":"wait","wait_ms":2000,"reason":"retry"}`, string(data))

	data, err = json.Marshal(NewTaskEnd("s-1", EndSuccess, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"task_end","session_id":"s-1","status":"success"}`, string(data))

	data, err = json.Marshal(NewPong(42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":42}`, string(data))
}

func TestFormat(t *testing.T) {
	ev := &UIEvent{
		PackageName: "com.example.shop",
		Screen:      ScreenInfo{Width: 1080, Height: 2400, Orientation: "portrait"},
		Elements: []UIElement{
			{ID: 3, Type: "btn", Text: "加入购物车", Center: []float64{80, 95.5}, Actions: []string{"click"}},
			{ID: 4, Type: "input", Desc: "搜索"},
		},
		Stats: &UIStats{OriginalNodes: 200, FilteredNodes: 2, Truncated: true},
	}
	out := ev.Format()
	assert.Contains(t, out, "package: com.example.shop")
	assert.Contains(t, out, `[3] btn "加入购物车" center=(80,95.5) actions=click`)
	assert.Contains(t, out, "[4] input (搜索)")
	assert.Contains(t, out, "truncated")

	el, ok := ev.Element(4)
	require.True(t, ok)
	assert.Equal(t, "input", el.Type)
	_, ok = ev.Element(99)
	assert.False(t, ok)
}
