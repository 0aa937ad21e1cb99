package linker

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/claudegate/claudegate/internal/store"
)

// taskToolName is the agent tool whose invocations spawn sub-agent
// conversations.
const taskToolName = "Task"

// ExtractTaskInvocations pulls task-tool calls out of a buffered
// (non-streaming) response body. Streamed responses are assembled by the
// forwarder's SSE collector and fed through BuildTaskInvocation instead.
func ExtractTaskInvocations(responseBody []byte) []store.TaskInvocation {
	content := gjson.GetBytes(responseBody, "content")
	if !content.IsArray() {
		return nil
	}
	var out []store.TaskInvocation
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" || block.Get("name").String() != taskToolName {
			return true
		}
		if inv, ok := BuildTaskInvocation(block.Get("name").String(), []byte(block.Get("input").Raw)); ok {
			out = append(out, inv)
		}
		return true
	})
	return out
}

// BuildTaskInvocation constructs an invocation record from a tool name
// and its input JSON. Returns false when the input carries no prompt.
func BuildTaskInvocation(name string, input []byte) (store.TaskInvocation, bool) {
	if name != taskToolName {
		return store.TaskInvocation{}, false
	}
	prompt := gjson.GetBytes(input, "prompt").String()
	if prompt == "" {
		prompt = gjson.GetBytes(input, "description").String()
	}
	if prompt == "" {
		return store.TaskInvocation{}, false
	}
	return store.TaskInvocation{
		Name:   name,
		Input:  json.RawMessage(input),
		Prompt: prompt,
	}, true
}
