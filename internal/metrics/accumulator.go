// Package metrics 按会话累计 token 用量与费用
package metrics

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Price 每百万 token 的价格
type Price struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Pricing 以模型名（小写）为键的价格表
type Pricing map[string]Price

// ParsePricing 从配置中的字符串价格构造价格表，无法解析的条目会被跳过并返回其模型名
func ParsePricing(raw map[string][2]string) (Pricing, []string) {
	p := make(Pricing, len(raw))
	var invalid []string
	for model, pair := range raw {
		in, errIn := decimal.NewFromString(pair[0])
		out, errOut := decimal.NewFromString(pair[1])
		if errIn != nil || errOut != nil {
			invalid = append(invalid, model)
			continue
		}
		p[strings.ToLower(model)] = Price{InputPerMillion: in, OutputPerMillion: out}
	}
	return p, invalid
}

func (p Pricing) Cost(model string, input, output int64) decimal.Decimal {
	price, ok := p[strings.ToLower(model)]
	if !ok {
		return decimal.Zero
	}
	in := price.InputPerMillion.Mul(decimal.NewFromInt(input)).Div(million)
	out := price.OutputPerMillion.Mul(decimal.NewFromInt(output)).Div(million)
	return in.Add(out)
}

// Usage 单次决策的用量
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Snapshot 会话的累计指标，会话内单调不减
type Snapshot struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	StepCount    int             `json:"step_count"`
	Model        string          `json:"model"`
}

type Accumulator struct {
	mu       sync.Mutex
	pricing  Pricing
	sessions map[string]*Snapshot
}

func NewAccumulator(pricing Pricing) *Accumulator {
	if pricing == nil {
		pricing = Pricing{}
	}
	return &Accumulator{
		pricing:  pricing,
		sessions: make(map[string]*Snapshot),
	}
}

// Begin 为会话建立零值计数
func (a *Accumulator) Begin(sessionID, model string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &Snapshot{Model: model, Cost: decimal.Zero}
	a.sessions[sessionID] = s
	return *s
}

// Step 记录一个步骤及其用量；负数用量按 0 处理
func (a *Accumulator) Step(sessionID string, u Usage) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		s = &Snapshot{Cost: decimal.Zero}
		a.sessions[sessionID] = s
	}
	in, out := max(u.InputTokens, 0), max(u.OutputTokens, 0)
	if u.Model != "" {
		s.Model = u.Model
	}
	s.InputTokens += in
	s.OutputTokens += out
	s.TotalTokens = s.InputTokens + s.OutputTokens
	s.Cost = s.Cost.Add(a.pricing.Cost(s.Model, in, out))
	s.StepCount++
	return *s
}

func (a *Accumulator) Get(sessionID string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// Finish 返回最终指标并释放会话计数
func (a *Accumulator) Finish(sessionID string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return Snapshot{}
	}
	delete(a.sessions, sessionID)
	return *s
}
