package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	taggedCall = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)
	fencedCall = regexp.MustCompile("(?s)```tool_call\\s*(.*?)\\s*```")
)

type extractedCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Tool       string                 `json:"tool"`
	Arguments  map[string]interface{} `json:"arguments"`
	Parameters map[string]interface{} `json:"parameters"`
	DependsOn  []string               `json:"depends_on"`
}

// TextExtractor recovers tool calls a model wrote into its content instead of
// the structured channel. It only understands <tool_call>{...}</tool_call>
// and ```tool_call fenced JSON blocks. Anything else is ignored.
type TextExtractor struct{}

// Extract returns the calls found in content, in order of appearance. Calls
// are marked BestEffort and their IDs are prefixed with "fallback-" so they
// cannot collide with structured ones; declared dependencies are rewritten
// the same way.
func (TextExtractor) Extract(turn int, content string) []ToolCall {
	type match struct {
		at   int
		body string
	}
	var found []match
	for _, re := range []*regexp.Regexp{taggedCall, fencedCall} {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			found = append(found, match{at: m[0], body: content[m[2]:m[3]]})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at < found[j].at })

	var calls []ToolCall
	for _, m := range found {
		var ec extractedCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(m.body)), &ec); err != nil {
			continue
		}
		name := ec.Name
		if name == "" {
			name = ec.Tool
		}
		if name == "" {
			continue
		}
		args := ec.Arguments
		if args == nil {
			args = ec.Parameters
		}
		args, deps := SplitDependencies(args)
		deps = append(deps, ec.DependsOn...)

		id := ec.ID
		if id == "" {
			id = fmt.Sprintf("%d-%d", turn, len(calls)+1)
		}
		for i, d := range deps {
			deps[i] = "fallback-" + d
		}
		calls = append(calls, ToolCall{
			ID:         "fallback-" + id,
			Name:       name,
			Arguments:  args,
			DependsOn:  deps,
			BestEffort: true,
		})
	}
	return calls
}
