package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// validateRequest performs the structural check on an inbound payload:
// required headers present, body parses, message list non-empty, every
// message has a role and non-empty content. Model names and token limits
// are deliberately not checked; those are upstream semantics that change
// over time, and enforcing them here would make the proxy go stale.
func validateRequest(r *http.Request, body []byte) error {
	if strings.TrimSpace(r.Header.Get(headerAnthropicVersion)) == "" {
		return fmt.Errorf("missing required header %s", headerAnthropicVersion)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("request body is not valid JSON")
	}

	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}

	var problem error
	msgs.ForEach(func(i, m gjson.Result) bool {
		if strings.TrimSpace(m.Get("role").String()) == "" {
			problem = fmt.Errorf("messages[%d]: missing role", i.Int())
			return false
		}
		content := m.Get("content")
		switch {
		case !content.Exists():
			problem = fmt.Errorf("messages[%d]: missing content", i.Int())
			return false
		case content.Type == gjson.String && content.String() == "":
			problem = fmt.Errorf("messages[%d]: empty content", i.Int())
			return false
		case content.IsArray() && len(content.Array()) == 0:
			problem = fmt.Errorf("messages[%d]: empty content", i.Int())
			return false
		}
		return true
	})
	return problem
}
