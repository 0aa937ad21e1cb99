package proxy

import "testing"

func TestSSEParser_SplitChunksAndEscapedTokenKeys(t *testing.T) {
	stream := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10000,"cache_creation_input_tokens":1000,"cache_read_input_tokens":7000}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"{\"output_tokens\":999999,\"input_tokens\":888888}"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":250}}` + "\n\n"

	parser := newSSEParser()
	streamBytes := []byte(stream)
	for i := 0; i < len(streamBytes); i += 13 {
		end := i + 13
		if end > len(streamBytes) {
			end = len(streamBytes)
		}
		parser.Feed(streamBytes[i:end])
	}

	usage := parser.Usage()
	if usage.InputTokens != 10000 {
		t.Fatalf("InputTokens = %d, want 10000", usage.InputTokens)
	}
	if usage.OutputTokens != 250 {
		t.Fatalf("OutputTokens = %d, want 250", usage.OutputTokens)
	}
	if usage.CacheCreationInputTokens != 1000 {
		t.Fatalf("CacheCreationInputTokens = %d, want 1000", usage.CacheCreationInputTokens)
	}
	if usage.CacheReadInputTokens != 7000 {
		t.Fatalf("CacheReadInputTokens = %d, want 7000", usage.CacheReadInputTokens)
	}
	if usage.TotalTokens != 18250 {
		t.Fatalf("TotalTokens = %d, want 18250", usage.TotalTokens)
	}
}

func TestSSEParser_CRLFAndFlushTrailingEvent(t *testing.T) {
	stream := "" +
		"event: message_start\r\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":42}}}` + "\r\n\r\n" +
		"event: message_delta\r\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":9}}`

	parser := newSSEParser()
	parser.Feed([]byte(stream))
	usage := parser.Usage()

	if usage.InputTokens != 42 {
		t.Fatalf("InputTokens = %d, want 42", usage.InputTokens)
	}
	if usage.OutputTokens != 9 {
		t.Fatalf("OutputTokens = %d, want 9", usage.OutputTokens)
	}
	if usage.TotalTokens != 51 {
		t.Fatalf("TotalTokens = %d, want 51", usage.TotalTokens)
	}
}

func TestSSEParser_MixedLineEndingsSplitAtEarliestBoundary(t *testing.T) {
	// The first event ends with LF; a later event uses CRLF. Splitting at
	// the later CRLF boundary first would merge the two events and drop
	// the first event's usage.
	stream := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":300}}}` + "\n\n" +
		"event: message_delta\r\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":40}}` + "\r\n\r\n"

	parser := newSSEParser()
	parser.Feed([]byte(stream))
	usage := parser.Usage()

	if usage.InputTokens != 300 {
		t.Fatalf("InputTokens = %d, want 300", usage.InputTokens)
	}
	if usage.OutputTokens != 40 {
		t.Fatalf("OutputTokens = %d, want 40", usage.OutputTokens)
	}
	if usage.TotalTokens != 340 {
		t.Fatalf("TotalTokens = %d, want 340", usage.TotalTokens)
	}
}

func TestSSEParser_AssemblesStreamedTaskInvocation(t *testing.T) {
	stream := "" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"Task","input":{}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"prompt\":\"inves"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"tigate the flaky test\"}"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":1}` + "\n\n"

	parser := newSSEParser()
	parser.Feed([]byte(stream))

	invocations := parser.TaskInvocations()
	if len(invocations) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invocations))
	}
	if invocations[0].Name != "Task" {
		t.Fatalf("Name = %q, want Task", invocations[0].Name)
	}
	if invocations[0].Prompt != "investigate the flaky test" {
		t.Fatalf("Prompt = %q", invocations[0].Prompt)
	}
}

func TestSSEParser_IgnoresNonTaskToolUse(t *testing.T) {
	stream := "" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"Bash","input":{}}}` + "\n\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":\"ls\"}"}}` + "\n\n" +
		`data: {"type":"content_block_stop","index":0}` + "\n\n"

	parser := newSSEParser()
	parser.Feed([]byte(stream))

	if got := parser.TaskInvocations(); len(got) != 0 {
		t.Fatalf("got %d invocations, want 0", len(got))
	}
}

func TestExtractBufferedUsage(t *testing.T) {
	body := []byte(`{"id":"msg_01","usage":{"input_tokens":120,"output_tokens":34,"cache_read_input_tokens":8}}`)
	usage := extractBufferedUsage(body)
	if usage.InputTokens != 120 || usage.OutputTokens != 34 {
		t.Fatalf("usage = %+v", usage)
	}
	if usage.TotalTokens != 162 {
		t.Fatalf("TotalTokens = %d, want 162", usage.TotalTokens)
	}
	if got := extractBufferedUsage([]byte(`{"id":"msg_02"}`)); got.TotalTokens != 0 {
		t.Fatalf("expected zero usage, got %+v", got)
	}
}
