package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net", timeoutErr{}, true},
		{"wrapped net", fmt.Errorf("call: %w", timeoutErr{}), true},
		{"rate limit", &Error{Kind: KindRateLimit, StatusCode: 429}, true},
		{"server", &Error{Kind: KindServer, StatusCode: 503}, true},
		{"auth", &Error{Kind: KindAuth, StatusCode: 401}, false},
		{"parse", &Error{Kind: KindParse}, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, Request) (*Decision, error) {
		if calls.Add(1) < 3 {
			return nil, &Error{Kind: KindServer, StatusCode: 503}
		}
		return &Decision{Action: protocol.ActionBack}, nil
	})
	var delays []time.Duration
	p := WithRetry(inner, RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Sleep: noSleep(&delays)})

	d, err := p.Decide(context.Background(), Request{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionBack, d.Action)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], 75*time.Millisecond)
	assert.LessOrEqual(t, delays[0], 125*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 150*time.Millisecond)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, Request) (*Decision, error) {
		calls.Add(1)
		return nil, &Error{Kind: KindAuth, StatusCode: 401}
	})
	var delays []time.Duration
	p := WithRetry(inner, RetryPolicy{MaxRetries: 3, Sleep: noSleep(&delays)})

	_, err := p.Decide(context.Background(), Request{})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindAuth, pe.Kind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, delays)
}

func TestWithRetryExhausts(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, Request) (*Decision, error) {
		calls.Add(1)
		return nil, timeoutErr{}
	})
	var delays []time.Duration
	p := WithRetry(inner, RetryPolicy{MaxRetries: 2, Sleep: noSleep(&delays)})

	_, err := p.Decide(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for attempt := 0; attempt < 40; attempt++ {
		d := p.Backoff(attempt)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
		assert.Positive(t, d)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("```json\n{\"action\":\"CLICK\",\"element_id\":3,\"reason\":\"打开设置\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionClick, d.Action)
	require.NotNil(t, d.ElementID)
	assert.Equal(t, 3, *d.ElementID)

	_, err = ParseDecision(`{"action":"teleport"}`)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindParse, pe.Kind)

	_, err = ParseDecision("not json")
	assert.False(t, IsRetryable(err))

	d, err = ParseDecision(`{"action":"done","reason":"ok","result":"已完成"}`)
	require.NoError(t, err)
	assert.Equal(t, session.ActionDone, d.Action)
}

func chatServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		if seen != nil {
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProviderDecide(t *testing.T) {
	content, _ := json.Marshal(`{"action":"click","element_id":2,"reason":"点击设置"}`)
	body := fmt.Sprintf(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
		"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`, content)
	var seen map[string]any
	srv := chatServer(t, http.StatusOK, body, &seen)

	p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	snap := &protocol.UIEvent{
		PackageName: "com.android.settings",
		Elements:    []protocol.UIElement{{ID: 2, Type: "button", Text: "设置", Center: []float64{50, 80}}},
	}
	d, err := p.Decide(context.Background(), Request{
		SessionID: "s-1",
		Goal:      "打开设置",
		Snapshot:  snap,
		History:   []session.ActionRecord{{Step: 1, Action: "home"}},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionClick, d.Action)
	assert.Equal(t, []float64{50, 80}, d.Target)
	assert.Equal(t, int64(120), d.Usage.InputTokens)
	assert.Equal(t, int64(30), d.Usage.OutputTokens)
	assert.Equal(t, "gpt-4o-mini", d.Usage.Model)
	assert.Equal(t, "gpt-4o-mini", seen["model"])
}

func TestOpenAIProviderClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := chatServer(t, tc.status, `{"error":{"message":"nope","type":"error"}}`, nil)
			p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "m"})
			_, err := p.Decide(context.Background(), Request{Goal: "g"})
			require.Error(t, err)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}
