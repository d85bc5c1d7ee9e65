package mail

import (
	"context"
	"errors"
	"strings"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
)

var _ in.ThreadQueryService = (*ThreadQueryService)(nil)

// ThreadQueryService serves read access to stored threads.
type ThreadQueryService struct {
	mails         out.MailRepository
	defaultTeamID string
}

func NewThreadQueryService(mails out.MailRepository, defaultTeamID string) *ThreadQueryService {
	return &ThreadQueryService{mails: mails, defaultTeamID: defaultTeamID}
}

func (s *ThreadQueryService) team(teamID string) (string, error) {
	if teamID = strings.TrimSpace(teamID); teamID != "" {
		return teamID, nil
	}
	if s.defaultTeamID != "" {
		return s.defaultTeamID, nil
	}
	return "", apperr.MissingField("team_id")
}

// ListThreads returns the team's threads, most recent activity first.
func (s *ThreadQueryService) ListThreads(ctx context.Context, teamID string, page domain.PageRequest) ([]*domain.Thread, error) {
	teamID, err := s.team(teamID)
	if err != nil {
		return nil, err
	}
	threads, err := s.mails.ListThreads(ctx, teamID, page.Limit())
	if err != nil {
		return nil, apperr.DatabaseError("list threads", err)
	}
	return threads, nil
}

// ListThreadMessages returns the messages of one thread in arrival order.
// A thread of another team is reported as not found.
func (s *ThreadQueryService) ListThreadMessages(ctx context.Context, teamID, threadID string) ([]*domain.Message, error) {
	teamID, err := s.team(teamID)
	if err != nil {
		return nil, err
	}
	t, err := s.mails.GetThread(ctx, threadID)
	switch {
	case errors.Is(err, out.ErrNotFound):
		return nil, apperr.NotFound("thread")
	case err != nil:
		return nil, apperr.DatabaseError("load thread", err)
	case t.TeamID != teamID:
		return nil, apperr.NotFound("thread")
	}

	msgs, err := s.mails.ListThreadMessages(ctx, threadID)
	if err != nil {
		return nil, apperr.DatabaseError("list thread messages", err)
	}
	return msgs, nil
}
