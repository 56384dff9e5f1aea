package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ossivalls/studysync/internal/cache"
	"github.com/ossivalls/studysync/internal/document"
	"github.com/ossivalls/studysync/internal/merge"
	"github.com/ossivalls/studysync/internal/remote"
)

// runCycle performs one complete sync attempt: fetch the remote document,
// three-way merge against the cached baseline, and (for the owner) push
// the result back under the optimistic concurrency tag. Exactly one cycle
// runs at a time; the caller serializes via single-flight.
func (e *Engine) runCycle(ctx context.Context, forced bool) Outcome {
	cycleID := uuid.NewString()
	logger := e.logger.With(slog.String("cycle_id", cycleID))

	id, ok := e.beginAttempt()
	if !ok {
		return Outcome{Status: StatusFailed, Err: ErrClosed}
	}

	e.notifyState()
	logger.Debug("sync cycle starting", slog.Bool("forced", forced))

	// Defer non-urgent syncs while the remote rate budget is nearly
	// exhausted; the remaining budget is saved for user-forced attempts.
	if !forced {
		if b := e.cfg.Store.Budget(); b.Known && b.Remaining < e.minBudget() {
			logger.Warn("rate budget low, deferring sync until reset",
				slog.Int("remaining", b.Remaining),
				slog.Time("reset", b.Reset),
			)

			err := fmt.Errorf("rate budget low (%d remaining): %w", b.Remaining, remote.ErrRateLimited)

			return e.failAttempt(id, logger, err, b.Reset)
		}
	}

	e.mu.Lock()
	local := e.state.Doc.Clone()
	base := e.state.Base.Clone()
	localTag := e.state.RemoteTag
	dirty := e.state.Dirty
	gen := e.mutGen
	e.mu.Unlock()

	remoteDoc, remoteTag, err := e.fetchRemote(ctx, logger)
	if err != nil {
		var rle *remote.RateLimitError
		if errors.As(err, &rle) {
			return e.failAttempt(id, logger, err, e.nowFunc().Add(rle.RetryAfter))
		}

		return e.failAttempt(id, logger, err, time.Time{})
	}

	// Fast path: remote unchanged and nothing pending locally.
	if remoteDoc != nil && remoteTag == localTag && !dirty {
		logger.Debug("remote unchanged and no local edits, nothing to do")

		return e.completeAttempt(id, logger, cycleResult{
			status: StatusSynced, doc: local, baseline: remoteDoc,
			tag: remoteTag, snapshot: local, gen: gen,
		})
	}

	// Fresh device, fresh remote: nothing exists on either side yet.
	// Do not spend a write creating an empty document.
	if remoteDoc == nil && !dirty {
		logger.Debug("no remote document and no local edits, nothing to publish")

		return e.completeAttempt(id, logger, cycleResult{
			status: StatusSynced, doc: local, snapshot: local, gen: gen,
		})
	}

	merged, collisions, mergeErr := e.resolve(base, local, remoteDoc, localTag, remoteTag, logger)
	if mergeErr != nil {
		return e.failSchema(id, logger, mergeErr)
	}

	identity, authenticated := e.cfg.Auth.Current()

	// Merge result identical to the remote: adopt it and mark clean
	// without spending a write, whoever we are.
	if remoteDoc != nil && documentsEqual(merged, remoteDoc) {
		logger.Debug("merge result matches remote, adopting without publishing",
			slog.String("tag", remoteTag),
		)

		return e.completeAttempt(id, logger, cycleResult{
			status: resolveStatus(collisions), doc: merged, baseline: remoteDoc,
			tag: remoteTag, collisions: collisions, published: true,
			snapshot: local, gen: gen,
		})
	}

	if !authenticated || !identity.IsOwner {
		// Read-side reconciliation only: merged state becomes the local
		// view, the remote snapshot becomes the new baseline, and any
		// local edits stay pending until an owner session pushes them.
		logger.Debug("not the owner, applying merge without publishing",
			slog.Bool("authenticated", authenticated),
		)

		return e.completeAttempt(id, logger, cycleResult{
			status: StatusConflictResolved, doc: merged, baseline: remoteDoc,
			tag: remoteTag, collisions: collisions,
			snapshot: local, gen: gen,
		})
	}

	return e.publish(ctx, id, logger, merged, local, remoteTag, gen, collisions)
}

// cycleResult is what a finished attempt applies to the engine state.
// snapshot and gen record the local document and mutation generation the
// cycle started from, so edits that landed mid-flight can be detected and
// folded back in instead of being overwritten.
type cycleResult struct {
	status     Status
	doc        *document.Document // document the cycle settled on
	baseline   *document.Document // new merge base (remote snapshot), nil keeps the old one
	tag        string
	collisions []string
	published  bool

	snapshot *document.Document
	gen      uint64
}

// fetchRemote retrieves and decodes the remote document. A missing
// document is reported as (nil, "", nil): absence is a normal first-run
// condition, not an error.
func (e *Engine) fetchRemote(ctx context.Context, logger *slog.Logger) (*document.Document, string, error) {
	getCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	content, tag, err := e.cfg.Store.Get(getCtx, e.cfg.DocumentPath)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, "", nil
	}

	if err != nil {
		return nil, "", fmt.Errorf("fetching remote document: %w", err)
	}

	doc, err := document.Decode(content)
	if err != nil {
		logger.Error("remote document is corrupt, refusing to overwrite it",
			slog.String("tag", tag),
			slog.String("error", err.Error()),
		)

		return nil, "", fmt.Errorf("decoding remote document (tag %s): %w", tag, err)
	}

	return doc, tag, nil
}

// resolve runs the three-way merge, or passes the local document through
// unchanged when the remote side is absent.
func (e *Engine) resolve(base, local, remoteDoc *document.Document, localTag, remoteTag string, logger *slog.Logger) (*document.Document, []string, error) {
	if remoteDoc == nil {
		return local, nil, nil
	}

	res, err := merge.Resolve(base, local, remoteDoc, localTag, remoteTag)
	if err != nil {
		return nil, nil, err
	}

	if len(res.Collisions) > 0 {
		logger.Warn("concurrent edits resolved by last writer wins",
			slog.Int("collisions", len(res.Collisions)),
			slog.Any("fields", res.Collisions),
		)
	}

	return res.Merged, res.Collisions, nil
}

// publish pushes the merged document under the expected remote tag,
// retrying exactly once after a version conflict with a fresh fetch and
// re-merge. A second conflict in the same cycle is surfaced to the user
// instead of looping.
func (e *Engine) publish(ctx context.Context, id uint64, logger *slog.Logger, merged, snapshot *document.Document, expectedTag string, gen uint64, collisions []string) Outcome {
	for attempt := 0; ; attempt++ {
		content, err := document.Encode(merged)
		if err != nil {
			return e.failAttempt(id, logger, fmt.Errorf("encoding document: %w", err), time.Time{})
		}

		putCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
		newTag, err := e.cfg.Store.Put(putCtx, e.cfg.DocumentPath, content, expectedTag)
		cancel()

		if err == nil {
			logger.Info("document published",
				slog.String("tag", newTag),
				slog.Int("collisions", len(collisions)),
			)

			return e.completeAttempt(id, logger, cycleResult{
				status: resolveStatus(collisions), doc: merged, tag: newTag,
				collisions: collisions, published: true,
				snapshot: snapshot, gen: gen,
			})
		}

		switch {
		case errors.Is(err, remote.ErrVersionConflict) && attempt == 0:
			logger.Info("version conflict, fetching latest and re-merging",
				slog.String("expected_tag", expectedTag),
			)

			e.mu.Lock()
			local := e.state.Doc.Clone()
			base := e.state.Base.Clone()
			localTag := e.state.RemoteTag
			gen = e.mutGen
			e.mu.Unlock()

			snapshot = local

			remoteDoc, remoteTag, fetchErr := e.fetchRemote(ctx, logger)
			if fetchErr != nil {
				return e.failAttempt(id, logger, fetchErr, time.Time{})
			}

			if remoteDoc == nil {
				// The document vanished between the conflict and the
				// re-fetch; publish the local state as a fresh create.
				merged, collisions, expectedTag = local, nil, ""
				continue
			}

			merged, collisions, fetchErr = e.resolve(base, local, remoteDoc, localTag, remoteTag, logger)
			if fetchErr != nil {
				return e.failSchema(id, logger, fetchErr)
			}

			expectedTag = remoteTag

			continue

		case errors.Is(err, remote.ErrUnauthorized):
			// Write access was revoked mid-session. Keep the merged view
			// and the pending local edits; drop silently to reader mode.
			logger.Warn("write rejected as unauthorized, keeping local edits pending",
				slog.String("error", err.Error()),
			)

			return e.completeAttempt(id, logger, cycleResult{
				status: StatusConflictResolved, doc: merged, tag: expectedTag,
				collisions: collisions, snapshot: snapshot, gen: gen,
			})

		default:
			var rle *remote.RateLimitError
			if errors.As(err, &rle) {
				return e.failAttempt(id, logger, err, e.nowFunc().Add(rle.RetryAfter))
			}

			return e.failAttempt(id, logger, fmt.Errorf("publishing document: %w", err), time.Time{})
		}
	}
}

// beginAttempt transitions to Syncing and stamps the attempt start.
// Returns false when the engine is already closed.
func (e *Engine) beginAttempt() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, false
	}

	e.attempt++
	e.status = StatusSyncing
	e.lastErr = nil
	e.state.LastSyncAttempt = e.nowFunc()

	return e.attempt, true
}

// completeAttempt applies a successful cycle result. When the result was
// published without racing local edits the state is marked fully clean
// under the new tag; otherwise the result is adopted while the dirty flag
// is preserved. Edits that landed between the cycle's snapshot and its
// completion are folded back into the result, never overwritten. Results
// from a superseded or closed attempt are discarded.
func (e *Engine) completeAttempt(id uint64, logger *slog.Logger, res cycleResult) Outcome {
	e.mu.Lock()

	if e.closed || id != e.attempt {
		e.mu.Unlock()
		return Outcome{Status: StatusFailed, Err: ErrClosed}
	}

	now := e.nowFunc()
	prevTag := e.state.RemoteTag
	raced := res.gen != e.mutGen

	status := res.status
	collisions := res.collisions
	doc := res.doc
	clean := res.published && !raced

	if raced {
		logger.Debug("local edits landed mid-cycle, folding them into the result")

		folded, foldCollisions, err := e.foldLiveEdits(res, prevTag)
		if err != nil {
			logger.Warn("folding mid-cycle edits failed, keeping the live document",
				slog.String("error", err.Error()),
			)

			folded = e.state.Doc.Clone()
		}

		doc = folded
		collisions = append(collisions, foldCollisions...)

		if len(foldCollisions) > 0 {
			status = StatusConflictResolved
		}
	}

	e.state.Doc = doc.Clone()
	e.state.RemoteTag = res.tag
	e.state.LastSyncSuccess = now
	e.state.PendingError = ""

	if clean {
		e.state.Dirty = false
	}

	if res.published {
		// The remote accepted res.doc; it is the merge base even when
		// mid-cycle edits keep the state dirty.
		e.state.Base = res.doc.Clone()
	} else if res.baseline != nil {
		e.state.Base = res.baseline.Clone()
	}

	e.status = status
	e.lastErr = nil
	e.collisions = append([]string(nil), collisions...)
	e.failures = 0
	e.nextRetry = time.Time{}

	st := e.state.Clone()
	store := e.store
	e.mu.Unlock()

	e.persistClean(store, st, prevTag, res.tag, clean)
	e.notifyState()

	if raced {
		e.scheduleDebounced()
	}

	return Outcome{Status: status, Collisions: collisions}
}

// foldLiveEdits merges edits applied during the cycle into its result.
// The cycle's starting snapshot is the merge base, so only mid-flight
// changes count as the local side; the cycle result is the remote side.
// When the cycle brought nothing new (tags equal) the live document wins
// outright. Caller holds e.mu.
func (e *Engine) foldLiveEdits(res cycleResult, prevTag string) (*document.Document, []string, error) {
	r, err := merge.Resolve(res.snapshot, e.state.Doc, res.doc, prevTag, res.tag)
	if err != nil {
		return nil, nil, err
	}

	return r.Merged, r.Collisions, nil
}

// persistClean writes the post-cycle state. On a clean publish the
// document body lands first, still dirty under the previous fence tag,
// and MarkClean advances the fence second: a crash between the two
// replays an idempotent re-publish instead of leaving the fence ahead of
// the data.
func (e *Engine) persistClean(store Cache, st *cache.State, prevTag, tag string, clean bool) {
	ctx := context.Background()

	if clean {
		pending := st.Clone()
		pending.Dirty = true
		pending.RemoteTag = prevTag

		if err := store.Save(ctx, pending); err != nil {
			e.persist(st)
			return
		}

		if err := store.MarkClean(ctx, tag); err != nil {
			e.logger.Error("marking cache clean failed",
				slog.String("error", err.Error()),
			)
		}

		return
	}

	e.persist(st)
}

// failAttempt records a failed cycle and schedules the retry. When
// retryAt is zero the exponential backoff schedule decides; a rate-limit
// deadline always wins over a shorter backoff.
func (e *Engine) failAttempt(id uint64, logger *slog.Logger, err error, retryAt time.Time) Outcome {
	e.mu.Lock()

	if e.closed || id != e.attempt {
		e.mu.Unlock()
		return Outcome{Status: StatusFailed, Err: ErrClosed}
	}

	e.failures++
	backoffAt := e.nowFunc().Add(backoffFor(e.failures))

	if retryAt.Before(backoffAt) {
		retryAt = backoffAt
	}

	e.status = StatusFailed
	e.lastErr = err
	e.nextRetry = retryAt
	e.state.PendingError = err.Error()

	st := e.state.Clone()
	e.mu.Unlock()

	logger.Warn("sync cycle failed",
		slog.String("error", err.Error()),
		slog.Time("next_retry", retryAt),
	)

	e.persist(st)
	e.notifyState()
	e.scheduleRetry(retryAt)

	return Outcome{Status: StatusFailed, Err: err}
}

// failSchema records an incompatible-schema failure. Sync is disabled for
// the rest of the session; no retry can succeed until the app updates.
func (e *Engine) failSchema(id uint64, logger *slog.Logger, err error) Outcome {
	e.mu.Lock()

	if e.closed || id != e.attempt {
		e.mu.Unlock()
		return Outcome{Status: StatusFailed, Err: ErrClosed}
	}

	e.status = StatusFailed
	e.lastErr = err
	e.schemaBlocked = true
	e.state.PendingError = err.Error()

	st := e.state.Clone()
	e.mu.Unlock()

	logger.Error("remote document requires a newer app version, sync disabled",
		slog.String("error", err.Error()),
	)

	e.persist(st)
	e.notifyState()

	return Outcome{Status: StatusFailed, Err: err}
}

// documentsEqual compares serialized forms; map key ordering in the
// encoder is deterministic, so equal content means equal bytes.
func documentsEqual(a, b *document.Document) bool {
	ab, err := document.Encode(a)
	if err != nil {
		return false
	}

	bb, err := document.Encode(b)
	if err != nil {
		return false
	}

	return bytes.Equal(ab, bb)
}

func resolveStatus(collisions []string) Status {
	if len(collisions) > 0 {
		return StatusConflictResolved
	}

	return StatusSynced
}
