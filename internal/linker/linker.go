package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/store"
)

// MainBranch is the branch every new conversation starts on.
const MainBranch = "main"

// Reserved branch-id namespaces. Compacted branches are ordinary branches
// to the graph algorithm; the prefix only informs downstream consumers.
const (
	subtaskBranchPrefix = "subtask_"
	compactBranchPrefix = "compact_"
)

// compactionMarker opens the synthetic first message of a conversation
// that was summarized and continued.
const compactionMarker = "This session is being continued from a previous conversation"

// maxBranchClaimAttempts bounds sequential-number retries before branch
// allocation falls back to a suffixed id.
const maxBranchClaimAttempts = 8

// HistoryStore is the slice of the persistence contract the linker needs.
type HistoryStore interface {
	Insert(ctx context.Context, rec *store.RequestRecord) error
	FindByCurrentHash(ctx context.Context, domain, accountID, hash string) ([]store.RequestRecord, error)
	HasChild(ctx context.Context, domain, accountID, hash string) (bool, error)
	LatestRecord(ctx context.Context, domain, accountID string) (*store.RequestRecord, error)
	RecentWithTaskInvocations(ctx context.Context, domain, accountID string, since time.Time) ([]store.RequestRecord, error)
	CountBranches(ctx context.Context, domain, accountID, conversationID string) (int, error)
	ClaimBranch(ctx context.Context, domain, accountID, conversationID, branchID string) error
}

// Linker assigns conversation identity to admitted requests.
type Linker struct {
	history HistoryStore
	now     func() time.Time
}

// New creates a Linker over a history store.
func New(history HistoryStore) *Linker {
	return &Linker{history: history, now: time.Now}
}

// Admit classifies the record's conversation linkage and persists it.
// The record's scope fields (RequestID, Domain, AccountID, Timestamp,
// Model) and both message hashes must already be set; Admit fills
// ConversationID, BranchID, ParentRequestID and the subtask fields.
//
// A store failure never fails the request: the record degrades to a
// fresh standalone conversation, the event is logged, and Degraded is
// reported so callers can count it.
func (l *Linker) Admit(ctx context.Context, rec *store.RequestRecord, openingText string) (degraded bool) {
	if err := l.classify(ctx, rec, openingText); err != nil {
		return l.degradeAndPersist(ctx, rec, err)
	}

	err := l.history.Insert(ctx, rec)
	if errors.Is(err, store.ErrBranchConflict) {
		// Lost the race for this parent's branch. Re-read and retry once:
		// the winner's record is visible now, so classification lands in
		// the branch case and allocates a fresh branch id.
		if err = l.classify(ctx, rec, openingText); err == nil {
			err = l.history.Insert(ctx, rec)
			if errors.Is(err, store.ErrBranchConflict) {
				// Still racing on the numbered branch. A unique suffix ends
				// the contention deterministically in one more write.
				rec.BranchID = branchWithSuffix(rec.BranchID)
				err = l.history.Insert(ctx, rec)
			}
		}
	}
	if err != nil {
		return l.degradeAndPersist(ctx, rec, err)
	}
	return false
}

// degradeAndPersist downgrades the record to a standalone conversation
// and writes it best-effort so completion fields still have a row.
func (l *Linker) degradeAndPersist(ctx context.Context, rec *store.RequestRecord, cause error) bool {
	l.degrade(rec, cause)
	if insErr := l.history.Insert(ctx, rec); insErr != nil {
		log.Error().Err(insErr).Str("request_id", rec.RequestID).Msg("linker: degraded record not persisted")
	}
	return true
}

// classify runs the linking procedure: exact continuation, branch with
// tie-breaking, new conversation, and the independent subtask check.
func (l *Linker) classify(ctx context.Context, rec *store.RequestRecord, openingText string) error {
	rec.ConversationID = ""
	rec.BranchID = ""
	rec.ParentRequestID = ""
	rec.IsSubtask = false
	rec.ParentTaskRequestID = ""

	if rec.ParentMessageHash != "" {
		candidates, err := l.history.FindByCurrentHash(ctx, rec.Domain, rec.AccountID, rec.ParentMessageHash)
		if err != nil {
			return fmt.Errorf("find parent candidates: %w", err)
		}
		if len(candidates) > 0 {
			parent, err := l.pickParent(ctx, rec, candidates)
			if err != nil {
				return err
			}
			hasChild, err := l.history.HasChild(ctx, rec.Domain, rec.AccountID, rec.ParentMessageHash)
			if err != nil {
				return fmt.Errorf("check existing child: %w", err)
			}

			rec.ConversationID = parent.ConversationID
			rec.ParentRequestID = parent.RequestID
			if !hasChild {
				rec.BranchID = parent.BranchID
			} else {
				branch, err := l.newBranchID(ctx, rec, openingText)
				if err != nil {
					return err
				}
				rec.BranchID = branch
			}
			return nil
		}
		// Parent hash matched nothing: a fresh conversation whose history
		// predates the proxy, or history was pruned. Fall through to the
		// new-conversation path.
	}

	rec.ConversationID = uuid.New().String()
	rec.BranchID = MainBranch

	// Subtask cross-link applies to single-turn openings only; it adds
	// metadata, it never merges the conversations.
	if rec.ParentMessageHash == "" && openingText != "" {
		if parentID, ok := l.matchSubtask(ctx, rec, openingText); ok {
			rec.IsSubtask = true
			rec.ParentTaskRequestID = parentID
			rec.BranchID = subtaskBranchPrefix + shortID(parentID)
		}
	}
	return nil
}

// pickParent breaks ties between same-hash candidates: prefer the
// candidate on the same branch as the scope's most recent activity,
// else the most recent candidate. Candidates arrive newest first.
func (l *Linker) pickParent(ctx context.Context, rec *store.RequestRecord, candidates []store.RequestRecord) (*store.RequestRecord, error) {
	if len(candidates) == 1 {
		return &candidates[0], nil
	}
	latest, err := l.history.LatestRecord(ctx, rec.Domain, rec.AccountID)
	if err != nil {
		return nil, fmt.Errorf("latest record: %w", err)
	}
	if latest != nil {
		for i := range candidates {
			if candidates[i].BranchID == latest.BranchID {
				return &candidates[i], nil
			}
		}
	}
	return &candidates[0], nil
}

// newBranchID allocates the next branch id for a divergent continuation.
// Compaction continuations land in the compact namespace; the numbering
// stays deterministic either way. Each candidate is claimed before use:
// divergences at different parent hashes race past the requests-table
// unique index, so the claim table is what keeps ids unique per
// conversation. Claim losers advance the number; after a few collisions
// a random suffix ends the contention.
func (l *Linker) newBranchID(ctx context.Context, rec *store.RequestRecord, openingText string) (string, error) {
	n, err := l.history.CountBranches(ctx, rec.Domain, rec.AccountID, rec.ConversationID)
	if err != nil {
		return "", fmt.Errorf("count branches: %w", err)
	}
	prefix := "branch_"
	if strings.HasPrefix(strings.TrimSpace(openingText), compactionMarker) {
		prefix = compactBranchPrefix
	}
	for attempt := 0; ; attempt++ {
		candidate := fmt.Sprintf("%s%d", prefix, n)
		if attempt >= maxBranchClaimAttempts {
			candidate = branchWithSuffix(candidate)
		}
		err := l.history.ClaimBranch(ctx, rec.Domain, rec.AccountID, rec.ConversationID, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, store.ErrBranchConflict) {
			return "", fmt.Errorf("claim branch: %w", err)
		}
		n++
	}
}

// matchSubtask looks for a recent task-tool invocation whose prompt
// matches this request's opening content.
func (l *Linker) matchSubtask(ctx context.Context, rec *store.RequestRecord, openingText string) (parentRequestID string, ok bool) {
	since := l.now().Add(-config.SubtaskMatchWindow)
	recent, err := l.history.RecentWithTaskInvocations(ctx, rec.Domain, rec.AccountID, since)
	if err != nil {
		// Subtask linkage is metadata; a query failure downgrades to an
		// unlinked conversation rather than failing classification.
		log.Warn().Err(err).Str("request_id", rec.RequestID).Msg("linker: subtask lookup failed")
		return "", false
	}

	opening := NormalizePrompt(openingText)
	for _, r := range recent {
		for _, inv := range r.TaskInvocations {
			if promptsMatch(NormalizePrompt(inv.Prompt), opening) {
				return r.RequestID, true
			}
		}
	}
	return "", false
}

// promptsMatch is exact equality, falling back to a bounded-prefix match
// for agents that append run-specific context to the spawned prompt.
func promptsMatch(prompt, opening string) bool {
	if prompt == "" || opening == "" {
		return false
	}
	if prompt == opening {
		return true
	}
	if len(prompt) >= config.SubtaskPrefixLen && len(opening) >= config.SubtaskPrefixLen {
		return prompt[:config.SubtaskPrefixLen] == opening[:config.SubtaskPrefixLen]
	}
	return false
}

// degrade assigns a standalone identity when linkage cannot be
// determined. Proxy availability wins over linkage completeness.
func (l *Linker) degrade(rec *store.RequestRecord, cause error) {
	rec.ConversationID = uuid.New().String()
	rec.BranchID = MainBranch
	rec.ParentRequestID = ""
	rec.IsSubtask = false
	rec.ParentTaskRequestID = ""
	log.Warn().
		Err(cause).
		Str("request_id", rec.RequestID).
		Str("domain", rec.Domain).
		Str("conversation_id", rec.ConversationID).
		Msg("linker: linkage degraded, assigned standalone conversation")
}

func branchWithSuffix(branch string) string {
	return branch + "_" + shortID(uuid.New().String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
