package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
	"github.com/sashabaranov/go-openai"
)

const historyWindow = 20

const systemPrompt = `你是一个手机自动化助手，根据用户目标、当前屏幕元素和已执行的步骤决定下一步动作。
只输出一个 JSON 对象，不要输出其他内容，格式如下：
{"action": "...", "element_id": 0, "target": [x, y], "text": "", "direction": "", "distance": 0, "duration_ms": 0, "package_name": "", "wait_ms": 0, "reason": "", "result": ""}
action 取值：click, input, swipe, back, home, launch_app, wait, pause, done, fail。
click/input 优先使用 element_id；坐标均为屏幕百分比。
swipe 需要 direction(up/down/left/right)，可选 distance 与 duration_ms。
launch_app 需要 package_name；wait 需要 wait_ms。
遇到登录、验证码、支付等需要用户介入的场景使用 pause。
目标完成时使用 done 并在 result 中总结；无法完成时使用 fail 并说明原因。`

type OpenAIOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIProvider 通过 chat completions 接口做决策，兼容任何 OpenAI 风格的服务
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

var _ DecisionProvider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     opts.Timeout,
	}
}

func formatHistory(history []session.ActionRecord) string {
	if len(history) == 0 {
		return "（无）"
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	var b strings.Builder
	for _, r := range history {
		fmt.Fprintf(&b, "%d. %s", r.Step, r.Action)
		if r.Reason != "" {
			fmt.Fprintf(&b, " - %s", r.Reason)
		}
		if r.Result != "" {
			fmt.Fprintf(&b, " => %s", r.Result)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "目标：%s\n\n", req.Goal)
	b.WriteString("当前屏幕：\n")
	if req.Snapshot != nil {
		b.WriteString(req.Snapshot.Format())
	}
	b.WriteString("\n已执行步骤：\n")
	b.WriteString(formatHistory(req.History))
	return b.String()
}

func (p *OpenAIProvider) Decide(ctx context.Context, req Request) (*Decision, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	startTime := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, Classify(err)
	}
	logger.DebugF("[%s] Decision call cost: %v, tokens: %d/%d",
		req.SessionID, time.Since(startTime), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindParse, Err: errors.New("empty choices")}
	}
	d, err := ParseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	d.Usage = metrics.Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		Model:        p.model,
	}
	ResolveTarget(d, req.Snapshot)
	return d, nil
}

// ParseDecision 解析模型输出的 JSON，容忍 markdown 代码块包裹
func ParseDecision(content string) (*Decision, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var d Decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, &Error{Kind: KindParse, Err: fmt.Errorf("decode decision: %w", err)}
	}
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	switch {
	case d.Action == session.ActionDone, d.Action == session.ActionFail:
	case protocol.IsDeviceAction(d.Action):
	default:
		return nil, &Error{Kind: KindParse, Err: fmt.Errorf("unknown action %q", d.Action)}
	}
	return &d, nil
}

// ResolveTarget 把 element_id 换算为元素中心点坐标
func ResolveTarget(d *Decision, snapshot *protocol.UIEvent) {
	if len(d.Target) == 2 || d.ElementID == nil || snapshot == nil {
		return
	}
	if el, ok := snapshot.Element(*d.ElementID); ok && len(el.Center) == 2 {
		d.Target = []float64{el.Center[0], el.Center[1]}
	}
}
