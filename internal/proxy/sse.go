package proxy

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/claudegate/claudegate/internal/linker"
	"github.com/claudegate/claudegate/internal/store"
)

// Usage is token usage extracted from an upstream response.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	TotalTokens              int
}

type sseUsagePayload struct {
	Usage   sseUsageFields `json:"usage"`
	Message struct {
		Usage sseUsageFields `json:"usage"`
	} `json:"message"`
}

type sseUsageFields struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// sseParser incrementally parses Anthropic SSE events, extracting token
// usage and assembling task tool_use blocks for subtask correlation.
// Only structured "data: {json}" events are read, so token-like text in
// content deltas can't produce false positives.
type sseParser struct {
	buffer []byte
	usage  Usage

	// In-flight tool_use blocks by content-block index.
	pending     map[int64]*pendingToolUse
	invocations []store.TaskInvocation
}

type pendingToolUse struct {
	name  string
	input bytes.Buffer
}

func newSSEParser() *sseParser {
	return &sseParser{
		buffer:  make([]byte, 0, bufferSize),
		pending: make(map[int64]*pendingToolUse),
	}
}

// Feed consumes the next stream chunk.
func (p *sseParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
}

// Usage flushes any trailing partial event and returns the totals.
func (p *sseParser) Usage() Usage {
	p.parse(true)
	return p.usage
}

// TaskInvocations returns the task tool calls assembled from the stream.
func (p *sseParser) TaskInvocations() []store.TaskInvocation {
	p.parse(true)
	return p.invocations
}

func (p *sseParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

// nextSSEEvent splits off the earliest complete event. Both boundary
// forms are checked and the earlier one wins, so streams mixing CRLF
// and LF line endings never merge two events into one.
func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case lf >= 0 && (crlf < 0 || lf < crlf):
		return buf[:lf], buf[lf+2:], true
	case crlf >= 0:
		return buf[:crlf], buf[crlf+4:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *sseParser) parseEvent(event []byte) {
	dataLines := make([][]byte, 0, 2)
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}
	data := bytes.Join(dataLines, []byte("\n"))

	var usage sseUsagePayload
	if err := json.Unmarshal(data, &usage); err == nil {
		p.applyUsage(usage.Message.Usage)
		p.applyUsage(usage.Usage)
	}

	p.collectToolUse(data)
}

// collectToolUse assembles streamed tool_use inputs. Task inputs arrive
// as input_json_delta fragments between content_block_start and
// content_block_stop.
func (p *sseParser) collectToolUse(data []byte) {
	switch gjson.GetBytes(data, "type").String() {
	case "content_block_start":
		block := gjson.GetBytes(data, "content_block")
		if block.Get("type").String() != "tool_use" {
			return
		}
		idx := gjson.GetBytes(data, "index").Int()
		p.pending[idx] = &pendingToolUse{name: block.Get("name").String()}

	case "content_block_delta":
		delta := gjson.GetBytes(data, "delta")
		if delta.Get("type").String() != "input_json_delta" {
			return
		}
		idx := gjson.GetBytes(data, "index").Int()
		if tu, ok := p.pending[idx]; ok {
			tu.input.WriteString(delta.Get("partial_json").String())
		}

	case "content_block_stop":
		idx := gjson.GetBytes(data, "index").Int()
		tu, ok := p.pending[idx]
		if !ok {
			return
		}
		delete(p.pending, idx)
		input := tu.input.Bytes()
		if len(input) == 0 {
			input = []byte("{}")
		}
		if inv, ok := linker.BuildTaskInvocation(tu.name, input); ok {
			p.invocations = append(p.invocations, inv)
		}
	}
}

func (p *sseParser) applyUsage(u sseUsageFields) {
	if u.InputTokens > 0 {
		p.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > p.usage.OutputTokens {
		p.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		p.usage.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		p.usage.CacheReadInputTokens = u.CacheReadInputTokens
	}
	p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens +
		p.usage.CacheCreationInputTokens + p.usage.CacheReadInputTokens
}

// extractBufferedUsage reads usage out of a non-streaming response body.
func extractBufferedUsage(body []byte) Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return Usage{}
	}
	usage := Usage{
		InputTokens:              int(u.Get("input_tokens").Int()),
		OutputTokens:             int(u.Get("output_tokens").Int()),
		CacheCreationInputTokens: int(u.Get("cache_creation_input_tokens").Int()),
		CacheReadInputTokens:     int(u.Get("cache_read_input_tokens").Int()),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens +
		usage.CacheCreationInputTokens + usage.CacheReadInputTokens
	return usage
}
