package proxy

import (
	"time"

	"github.com/claudegate/claudegate/internal/ratelimit"
	"github.com/claudegate/claudegate/internal/store"
)

// RequestContext carries one request through the pipeline stages.
// Each stage fills the fields it owns and no stage rewrites another
// stage's output, so the struct reads as an audit trail of the pipeline.
type RequestContext struct {
	// Admission (handler entry).
	RequestID  string
	Domain     string
	AccountID  string
	ReceivedAt time.Time

	// Rate limiting.
	CallerKey string
	Decision  ratelimit.Decision

	// Validation.
	Body   []byte
	Model  string
	Stream bool

	// Conversation linking.
	CurrentHash string
	ParentHash  string
	Record      *store.RequestRecord
}
