// Package thread assigns canonical emails to conversation threads.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/google/uuid"
)

// =============================================================================
// Resolver
// =============================================================================
//
// Lookup order:
//   0. same Message-ID already stored in the team -> no-op, original ids
//   1. thread rooted at In-Reply-To, a reference, or the email itself
//   2. thread of any stored message named in In-Reply-To/References
//   3. thread with the same fallback key (subject + participants)
//   4. new thread rooted at this email
//
// The store's unique constraints decide races between processes; the keyed
// mutex serializes racing deliveries inside one process.

type Resolver struct {
	repo  out.MailRepository
	locks *KeyedMutex
	now   func() time.Time
}

func NewResolver(repo out.MailRepository) *Resolver {
	return &Resolver{
		repo:  repo,
		locks: NewKeyedMutex(defaultStripes),
		now:   time.Now,
	}
}

// Resolve threads and stores email within teamID. A redelivered Message-ID
// returns the identifiers of the first delivery with Duplicate set.
func (r *Resolver) Resolve(ctx context.Context, teamID string, email *domain.CanonicalEmail) (*domain.IngestResult, error) {
	if email == nil || email.MessageID == "" {
		return nil, apperr.ValidationFailed("email has no message id")
	}

	if res, err := r.duplicate(ctx, teamID, email.MessageID); err != nil || res != nil {
		return res, err
	}

	participants := email.Participants()
	key := ThreadKey(email.Subject, participants)

	unlock := r.locks.Lock(teamID + "|" + key)
	defer unlock()

	// A racing delivery may have landed while we waited.
	if res, err := r.duplicate(ctx, teamID, email.MessageID); err != nil || res != nil {
		return res, err
	}

	thread, created, err := r.findOrCreate(ctx, teamID, email, key, participants)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	msg := domain.NewMessage(uuid.NewString(), teamID, thread.ID, email, now)
	inserted, err := r.repo.AppendMessage(ctx, msg, participants, email.ThreadingIDs())
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if !inserted {
		// Lost the (team, message_id) race to another process.
		res, err := r.duplicate(ctx, teamID, email.MessageID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, apperr.Conflict(fmt.Sprintf("message %s conflicted but is not readable", email.MessageID))
		}
		return res, nil
	}

	metrics.Inc(metrics.MessagesIngested)
	if created {
		metrics.Inc(metrics.ThreadsCreated)
	}

	return &domain.IngestResult{
		MessageID:     msg.MessageID,
		ThreadID:      thread.ID,
		StoredID:      msg.ID,
		ThreadCreated: created,
	}, nil
}

func (r *Resolver) duplicate(ctx context.Context, teamID, messageID string) (*domain.IngestResult, error) {
	existing, err := r.repo.GetMessageByMessageID(ctx, teamID, messageID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup message: %w", err)
	}

	metrics.Inc(metrics.MessagesDuplicate)
	logger.Debug("[Resolver.Resolve] Duplicate delivery of %s in team %s", messageID, teamID)
	return &domain.IngestResult{
		MessageID: existing.MessageID,
		ThreadID:  existing.ThreadID,
		StoredID:  existing.ID,
		Duplicate: true,
	}, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, teamID string, email *domain.CanonicalEmail, key string, participants []string) (*domain.Thread, bool, error) {
	threadingIDs := email.ThreadingIDs()

	// 1. root match
	rootCandidates := append(append([]string{}, threadingIDs...), email.MessageID)
	if t, err := found(r.repo.FindThreadByRoot(ctx, teamID, rootCandidates)); err != nil || t != nil {
		return t, false, err
	}

	// 2. referenced message
	if len(threadingIDs) > 0 {
		if t, err := found(r.repo.FindThreadByMessage(ctx, teamID, threadingIDs)); err != nil || t != nil {
			return t, false, err
		}
	}

	// 3. fallback key
	if t, err := found(r.repo.GetThreadByKey(ctx, teamID, key)); err != nil || t != nil {
		return t, false, err
	}

	// 4. new thread
	at := email.Date
	if at.IsZero() {
		at = r.now()
	}
	now := r.now().UTC()
	t := &domain.Thread{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		RootMessageID: email.MessageID,
		ThreadKey:     key,
		Subject:       email.Subject,
		Participants:  participants,
		References:    threadingIDs,
		Status:        domain.ThreadStatusOpen,
		Priority:      domain.PriorityNormal,
		Tags:          []string{},
		LastMessageAt: at.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := r.repo.InsertThread(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("insert thread: %w", err)
	}
	if inserted {
		logger.Debug("[Resolver.Resolve] Created thread %s for %s", t.ID, email.MessageID)
		return t, true, nil
	}

	// Another writer created the same root or key first; adopt it.
	if winner, err := found(r.repo.FindThreadByRoot(ctx, teamID, []string{email.MessageID})); err != nil || winner != nil {
		return winner, false, err
	}
	if winner, err := found(r.repo.GetThreadByKey(ctx, teamID, key)); err != nil || winner != nil {
		return winner, false, err
	}
	return nil, false, apperr.Conflict(fmt.Sprintf("thread for %s conflicted but is not readable", email.MessageID))
}

func found(t *domain.Thread, err error) (*domain.Thread, error) {
	if errors.Is(err, out.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread: %w", err)
	}
	return t, nil
}
