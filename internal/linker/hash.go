// Package linker reconstructs conversation identity from stateless
// requests.
//
// No client-supplied session id exists. Each request carries its full
// message history, so two content hashes identify it in the conversation
// graph: the hash of the whole sequence (current) and the hash of the
// sequence minus the newest turn (parent). A request whose parent hash
// equals an earlier request's current hash continues that request.
package linker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// Message is one normalized conversation turn: a role plus flattened
// text content. Normalization makes the hash independent of content-block
// representation details.
type Message struct {
	Role string
	Text string
}

// ParseMessages extracts and normalizes the messages array from an API
// request body. Content may be a plain string or a list of content
// blocks; blocks are flattened to their text payloads in order.
func ParseMessages(body []byte) []Message {
	raw := gjson.GetBytes(body, "messages")
	if !raw.IsArray() {
		return nil
	}
	var msgs []Message
	raw.ForEach(func(_, m gjson.Result) bool {
		msgs = append(msgs, Message{
			Role: strings.ToLower(strings.TrimSpace(m.Get("role").String())),
			Text: flattenContent(m.Get("content")),
		})
		return true
	})
	return msgs
}

// flattenContent reduces a message content value to comparable text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			sb.WriteString(block.Get("text").String())
		case "tool_use":
			sb.WriteString("tool_use:")
			sb.WriteString(block.Get("name").String())
			sb.WriteString(":")
			sb.WriteString(block.Get("input").Raw)
		case "tool_result":
			sb.WriteString("tool_result:")
			sb.WriteString(flattenContent(block.Get("content")))
		default:
			sb.WriteString(block.Raw)
		}
		sb.WriteString("\n")
		return true
	})
	return sb.String()
}

// HashMessages returns the content hash of a message sequence, or ""
// for an empty sequence. The hash is a pure function of (role, text)
// pairs: identical content always produces an identical hash.
func HashMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// parentMessages strips the newest turn: the trailing user message plus
// the assistant messages that preceded it. What remains is exactly the
// sequence the previous request in the thread ended with, so its hash
// matches that request's current hash.
func parentMessages(msgs []Message) []Message {
	if len(msgs) <= 1 {
		return nil
	}
	end := len(msgs) - 1
	for end > 0 && msgs[end-1].Role == "assistant" {
		end--
	}
	return msgs[:end]
}

// ComputeHashes returns (current, parent) hashes for a request body.
// Parent is "" for a single-turn opening.
func ComputeHashes(body []byte) (current, parent string) {
	msgs := ParseMessages(body)
	return HashMessages(msgs), HashMessages(parentMessages(msgs))
}

// OpeningText returns the text of the request's first turn, used for
// subtask prompt matching.
func OpeningText(body []byte) string {
	msgs := ParseMessages(body)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Text
}

// NormalizePrompt collapses whitespace so prompt comparison survives
// formatting differences between the tool input and the spawned
// request's opening message.
func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
