// Package safety 在任何决策调用之前拦截支付、密码等敏感界面
package safety

import (
	"slices"
	"strings"
	"unicode"

	"github.com/life-stream-dev/ghosttap-server/internal/protocol"
)

// 命中任一关键词即暂停
var sensitiveKeywords = []string{
	// 支付
	"确认支付", "立即支付", "确认付款", "立即付款", "免密支付", "支付密码",
	"提交订单", "确认转账", "转账", "收银台",
	"confirm payment", "pay now", "place order", "checkout",
	// 密码
	"输入密码", "登录密码", "交易密码", "password", "passcode",
}

var currencySymbols = []string{"¥", "￥", "$", "€", "£", "rmb", "cny", "usd"}

// 与货币符号同时出现在一个元素内才视为敏感
var confirmVerbs = []string{
	"确认", "支付", "付款", "购买", "下单", "结算",
	"confirm", "pay", "buy", "purchase", "submit",
}

// inputType 手机端对可编辑控件上报的类型
const inputType = "input"

// 输入框的提示文字含有这些内容时视为凭证或卡片信息输入
var (
	inputHints     = []string{"密码", "安全码", "卡号", "验证码"}
	inputHintWords = []string{"pin", "cvv", "cvc", "otp"}
)

type Result struct {
	Matched bool
	Reason  string
}

// Check 对快照做大小写不敏感的子串匹配，无状态、不可配置
func Check(ev *protocol.UIEvent) Result {
	if ev == nil {
		return Result{}
	}
	for _, el := range ev.Elements {
		if r := checkText(el.Text + "\n" + el.Desc); r.Matched {
			return r
		}
		if r := checkInput(el); r.Matched {
			return r
		}
	}
	return Result{}
}

func checkText(raw string) Result {
	text := strings.ToLower(raw)
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(text, kw) {
			return Result{Matched: true, Reason: "检测到敏感操作「" + kw + "」，需要用户确认"}
		}
	}
	for _, sym := range currencySymbols {
		if !strings.Contains(text, sym) {
			continue
		}
		for _, verb := range confirmVerbs {
			if strings.Contains(text, verb) {
				return Result{Matched: true, Reason: "检测到金额「" + sym + "」与「" + verb + "」，需要用户确认"}
			}
		}
	}
	return Result{}
}

// checkInput 只检查输入框；英文提示按整词匹配，避免 "shopping" 命中 "pin"
func checkInput(el protocol.UIElement) Result {
	if !strings.EqualFold(el.Type, inputType) {
		return Result{}
	}
	text := strings.ToLower(el.Text + " " + el.Desc)
	for _, hint := range inputHints {
		if strings.Contains(text, hint) {
			return Result{Matched: true, Reason: "检测到敏感输入框「" + hint + "」，需要用户输入"}
		}
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, hint := range inputHintWords {
		if slices.Contains(words, hint) {
			return Result{Matched: true, Reason: "检测到敏感输入框「" + hint + "」，需要用户输入"}
		}
	}
	return Result{}
}
