// Package tokencount estimates token usage when the upstream response
// carried none (error paths, client disconnects), so the rate limiter's
// token ledger still advances.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/linker"
)

// Estimator counts tokens with a lazily loaded tiktoken encoding.
// Estimates are approximate: the upstream tokenizer differs, but within
// a rate-limit window approximation is good enough.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an Estimator. The encoding loads on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// Count returns the token count of text, falling back to a chars/4
// estimate when the encoding is unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}

// EstimateRequest estimates the input tokens of a request body by
// counting its normalized message text.
func (e *Estimator) EstimateRequest(body []byte) int {
	total := 0
	for _, m := range linker.ParseMessages(body) {
		total += e.Count(m.Text)
	}
	return total
}
