// Package windower partitions translation groups into budgeted request
// windows. A window's focus must be translated; its surrounding context is
// advisory and silently truncated when the budget runs out.
package windower

import (
	"fmt"
	"unicode/utf8"

	"github.com/valpere/subtran/internal/grouper"
)

const (
	// groupOverhead approximates the JSON object wrapper + metadata each
	// group adds to the prompt.
	groupOverhead = 48

	// minWindowChars is the smallest budget the builder accepts.
	minWindowChars = 200
)

// Window is one batched request: mandatory focus groups plus best-effort
// context on both sides.
type Window struct {
	ContextBefore []grouper.Group
	Focus         []grouper.Group
	ContextAfter  []grouper.Group
}

func cost(g grouper.Group) int {
	return utf8.RuneCountInString(g.Text) + groupOverhead
}

// Build splits groups into windows under a character budget. The focus span
// grows greedily until the next group would exceed the budget; at least one
// group is always included so oversized groups still get a window. Remaining
// budget is spent on up to pre preceding and post following context groups,
// closest first, stopping at the first that does not fit.
func Build(groups []grouper.Group, maxChars, pre, post int) ([]Window, error) {
	if maxChars <= minWindowChars {
		return nil, fmt.Errorf("window budget %d chars too small to be useful", maxChars)
	}

	var windows []Window
	n := len(groups)
	i := 0

	for i < n {
		var focus []grouper.Group
		budgetUsed := 0
		j := i

		for j < n {
			c := cost(groups[j])
			if len(focus) > 0 && budgetUsed+c > maxChars {
				break
			}
			focus = append(focus, groups[j])
			budgetUsed += c
			j++
		}

		if len(focus) == 0 {
			focus = []grouper.Group{groups[i]}
			j = i + 1
			budgetUsed = cost(groups[i])
		}

		remaining := maxChars - budgetUsed

		var before []grouper.Group
		for k := i - 1; k >= 0 && k >= i-pre; k-- {
			c := cost(groups[k])
			if c > remaining {
				break
			}
			before = append([]grouper.Group{groups[k]}, before...)
			remaining -= c
		}

		var after []grouper.Group
		for k := j; k < n && k < j+post; k++ {
			c := cost(groups[k])
			if c > remaining {
				break
			}
			after = append(after, groups[k])
			remaining -= c
		}

		windows = append(windows, Window{ContextBefore: before, Focus: focus, ContextAfter: after})
		i = j
	}

	return windows, nil
}
