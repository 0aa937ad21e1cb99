package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/claudegate/claudegate/internal/auth"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/credentials"
	"github.com/claudegate/claudegate/internal/linker"
	"github.com/claudegate/claudegate/internal/ratelimit"
	"github.com/claudegate/claudegate/internal/store"
)

// handleMessages runs the full pipeline for one /v1/messages call:
// auth gate, rate limiter, validation, conversation linking, upstream
// forward, response relay, completion bookkeeping.
func (p *Proxy) handleMessages(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{
		RequestID:  uuid.NewString(),
		Domain:     requestDomain(r),
		ReceivedAt: time.Now(),
	}
	w.Header().Set(headerRequestID, rc.RequestID)

	// Auth gate. Every rejection is a 401; a tenant with no client key
	// configured gets a distinct message so the operator can tell a
	// config gap from a bad token.
	switch p.gate.Check(r, rc.Domain) {
	case auth.Authorized:
	case auth.Misconfigured:
		writeAuthError(w, "no client credentials configured for this endpoint", rc.RequestID)
		p.count(rc.Domain, http.StatusUnauthorized)
		return
	default:
		writeAuthError(w, "invalid bearer token", rc.RequestID)
		p.count(rc.Domain, http.StatusUnauthorized)
		return
	}
	rc.AccountID = p.credentials.AccountID(rc.Domain)

	// Rate limit. The tenant bucket and the caller bucket are taken
	// independently; either rejection stops the request before any
	// upstream cost is incurred.
	rc.Decision = p.limiter.CheckTenant(r.Context(), rc.Domain)
	setRateLimitHeaders(w, rc.Decision)
	if !rc.Decision.Allowed {
		p.rejectRateLimited(w, rc)
		return
	}
	rc.CallerKey = callerBucket(rc.Domain, r)
	caller := p.limiter.CheckCaller(r.Context(), rc.CallerKey)
	if !caller.Allowed {
		setRateLimitHeaders(w, caller)
		rc.Decision = caller
		p.rejectRateLimited(w, rc)
		return
	}

	// Validation.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeValidation,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), rc.RequestID)
			p.count(rc.Domain, http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, errTypeValidation, "failed to read request body", rc.RequestID)
		p.count(rc.Domain, http.StatusBadRequest)
		return
	}
	if err := validateRequest(r, body); err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, err.Error(), rc.RequestID)
		p.count(rc.Domain, http.StatusBadRequest)
		return
	}
	rc.Body = body
	rc.Model = gjson.GetBytes(body, "model").String()
	rc.Stream = gjson.GetBytes(body, "stream").Bool()

	// Conversation linking. Admit never blocks the request: any linking
	// failure degrades to a standalone conversation.
	rc.CurrentHash, rc.ParentHash = linker.ComputeHashes(body)
	rec := &store.RequestRecord{
		RequestID:          rc.RequestID,
		Domain:             rc.Domain,
		AccountID:          rc.AccountID,
		Timestamp:          rc.ReceivedAt,
		Model:              rc.Model,
		CurrentMessageHash: rc.CurrentHash,
		ParentMessageHash:  rc.ParentHash,
	}
	if degraded := p.linker.Admit(r.Context(), rec, linker.OpeningText(body)); degraded {
		p.metrics.LinkageDegraded.Inc()
	}
	rc.Record = rec
	w.Header().Set(headerConversationID, rec.ConversationID)
	w.Header().Set(headerBranchID, rec.BranchID)

	// Forward. The upstream call shares the client's context so a caller
	// disconnect cancels the upstream read promptly.
	resp, err := p.forward(r.Context(), rc, r.Header)
	if err != nil {
		status, msg := upstreamFailure(err)
		writeError(w, status, errTypeUpstream, msg, rc.RequestID)
		p.finalize(rc, status, Usage{}, nil, msg)
		return
	}
	defer resp.Body.Close()

	if rc.Stream && isEventStream(resp) {
		p.relayStream(w, r, rc, resp)
		return
	}
	p.relayBuffered(w, rc, resp)
}

// relayBuffered reads the whole upstream response and passes it through.
func (p *Proxy) relayBuffered(w http.ResponseWriter, rc *RequestContext, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream response read failed", rc.RequestID)
		p.finalize(rc, http.StatusBadGateway, Usage{}, nil, "upstream read failed: "+err.Error())
		return
	}

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	var usage Usage
	var invocations []store.TaskInvocation
	if resp.StatusCode == http.StatusOK {
		usage = extractBufferedUsage(body)
		invocations = linker.ExtractTaskInvocations(body)
	}
	p.finalize(rc, resp.StatusCode, usage, invocations, upstreamErrMsg(resp.StatusCode, body))
}

// relayStream pipes SSE chunks to the caller exactly as they arrive,
// extracting usage and task tool calls from the structured events on the
// way through. Chunks are persisted so a response can be reassembled.
// A client disconnect cancels the upstream read via the shared request
// context; the record is finalized with whatever usage was observed.
func (p *Proxy) relayStream(w http.ResponseWriter, r *http.Request, rc *RequestContext, resp *http.Response) {
	p.metrics.ActiveStreams.Inc()
	defer p.metrics.ActiveStreams.Dec()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	parser := newSSEParser()
	buf := make([]byte, bufferSize)
	chunkIndex := 0
	clientGone := false

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			parser.Feed(chunk)
			// Background context: chunk persistence should survive the
			// request context being cancelled mid-write.
			if err := p.store.AppendChunk(context.Background(), rc.RequestID, chunkIndex, chunk); err != nil {
				p.log.Warn().Err(err).Str("request_id", rc.RequestID).Msg("failed to persist response chunk")
			}
			chunkIndex++

			if _, werr := w.Write(chunk); werr != nil {
				clientGone = true
				p.log.Warn().Str("request_id", rc.RequestID).Msg("client disconnected mid-stream")
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				if r.Context().Err() != nil {
					clientGone = true
					p.log.Warn().Str("request_id", rc.RequestID).Msg("client disconnected mid-stream")
				} else {
					p.log.Warn().Err(err).Str("request_id", rc.RequestID).Msg("upstream stream ended with error")
				}
			}
			break
		}
	}

	errMsg := ""
	if clientGone {
		errMsg = "client_disconnected"
	}
	p.finalize(rc, resp.StatusCode, parser.Usage(), parser.TaskInvocations(), errMsg)
}

// finalize writes completion bookkeeping: the request record's token and
// duration fields, the token ledger, and metrics. Runs on a background
// context because the request context may already be cancelled.
func (p *Proxy) finalize(rc *RequestContext, status int, usage Usage, invocations []store.TaskInvocation, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	durationMs := time.Since(rc.ReceivedAt).Milliseconds()
	if rc.Record != nil {
		if err := p.store.Complete(ctx, rc.RequestID, usage.InputTokens, usage.OutputTokens, durationMs, errMsg, invocations); err != nil {
			p.log.Error().Err(err).Str("request_id", rc.RequestID).Msg("failed to complete request record")
		}
	}

	tokens := usage.TotalTokens
	if tokens == 0 && status == http.StatusOK {
		// Usage missing from the response; charge an estimate so the
		// token ledger is never silently under-counted.
		tokens = p.estimator.EstimateRequest(rc.Body)
	}
	p.limiter.RecordUsage(ctx, rc.Domain, rc.CallerKey, tokens)

	p.count(rc.Domain, status)
	p.metrics.UpstreamDuration.WithLabelValues(rc.Domain).Observe(float64(durationMs) / 1000)
	if usage.InputTokens > 0 {
		p.metrics.TokensServed.WithLabelValues(rc.Domain, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		p.metrics.TokensServed.WithLabelValues(rc.Domain, "output").Add(float64(usage.OutputTokens))
	}
}

func (p *Proxy) rejectRateLimited(w http.ResponseWriter, rc *RequestContext) {
	retryAfter := int(rc.Decision.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, errTypeRateLimit,
		"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+"s", rc.RequestID)
	p.metrics.RateLimited.WithLabelValues(rc.Domain).Inc()
	p.count(rc.Domain, http.StatusTooManyRequests)
}

func (p *Proxy) count(domain string, status int) {
	p.metrics.RequestsTotal.WithLabelValues(domain, statusClass(status)).Inc()
}

// requestDomain resolves the tenant domain from the Host header.
func requestDomain(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// callerBucket keys the per-caller rate bucket on a digest of the
// presented token so raw secrets never land in limiter storage.
func callerBucket(domain string, r *http.Request) string {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	sum := sha256.Sum256([]byte(token))
	return domain + ":" + hex.EncodeToString(sum[:8])
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set(headerRateLimitLimit, strconv.Itoa(d.Limit))
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	w.Header().Set(headerRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if name == "Content-Length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

// upstreamFailure maps forwarding errors onto a caller-facing status.
func upstreamFailure(err error) (int, string) {
	switch {
	case errors.Is(err, credentials.ErrNoCredential):
		return http.StatusBadGateway, "no upstream credential configured"
	case errors.Is(err, credentials.ErrInvalidCredential):
		return http.StatusBadGateway, "upstream credential is invalid"
	case errors.Is(err, credentials.ErrRefreshFailed):
		return http.StatusBadGateway, "upstream credential refresh failed"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}

// upstreamErrMsg records a short error marker for failed upstream calls.
func upstreamErrMsg(status int, body []byte) string {
	if status < 400 {
		return ""
	}
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		return fmt.Sprintf("upstream status %d", status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", status, msg)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
