package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Format 把快照渲染成供决策方阅读的文本
func (e *UIEvent) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "package: %s\n", e.PackageName)
	if e.Activity != "" {
		fmt.Fprintf(&b, "activity: %s\n", e.Activity)
	}
	fmt.Fprintf(&b, "screen: %dx%d", e.Screen.Width, e.Screen.Height)
	if e.Screen.Orientation != "" {
		fmt.Fprintf(&b, " %s", e.Screen.Orientation)
	}
	if e.Screen.KeyboardVisible {
		fmt.Fprintf(&b, " keyboard=%s%%", formatFloat(e.Screen.KeyboardHeight))
	}
	b.WriteString("\nelements:\n")
	if len(e.Elements) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, el := range e.Elements {
		fmt.Fprintf(&b, "  [%d] %s", el.ID, el.Type)
		if el.Text != "" {
			fmt.Fprintf(&b, " %q", el.Text)
		}
		if el.Desc != "" {
			fmt.Fprintf(&b, " (%s)", el.Desc)
		}
		if len(el.Center) == 2 {
			fmt.Fprintf(&b, " center=(%s,%s)", formatFloat(el.Center[0]), formatFloat(el.Center[1]))
		}
		if len(el.Actions) > 0 {
			fmt.Fprintf(&b, " actions=%s", strings.Join(el.Actions, ","))
		}
		b.WriteByte('\n')
	}
	if e.Stats != nil && e.Stats.Truncated {
		fmt.Fprintf(&b, "(truncated: %d of %d nodes shown)\n", e.Stats.FilteredNodes, e.Stats.OriginalNodes)
	}
	return b.String()
}

// Element 按 id 查找元素
func (e *UIEvent) Element(id int) (UIElement, bool) {
	for _, el := range e.Elements {
		if el.ID == id {
			return el, true
		}
	}
	return UIElement{}, false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
