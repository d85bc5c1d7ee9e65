// Package mail runs the ingestion pipeline: normalize, thread, store.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/normalize"
	"mailsync_server/core/service/thread"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
)

var _ in.IngestService = (*IngestService)(nil)

// IngestService is shared by the inbound webhook and provider sync.
type IngestService struct {
	normalizer    *normalize.Normalizer
	resolver      *thread.Resolver
	accounts      out.AccountRepository
	mails         out.MailRepository
	defaultTeamID string
}

func NewIngestService(
	normalizer *normalize.Normalizer,
	resolver *thread.Resolver,
	accounts out.AccountRepository,
	mails out.MailRepository,
	defaultTeamID string,
) *IngestService {
	return &IngestService{
		normalizer:    normalizer,
		resolver:      resolver,
		accounts:      accounts,
		mails:         mails,
		defaultTeamID: defaultTeamID,
	}
}

// =============================================================================
// Inbound webhook
// =============================================================================

func (s *IngestService) IngestInbound(ctx context.Context, payload *domain.InboundMail) (*domain.IngestResult, error) {
	email, err := s.normalize(payload)
	if err != nil {
		return nil, err
	}
	if payload.Direction == domain.DirectionOutbound {
		email.Direction = domain.DirectionOutbound
	}

	teamID, account := s.resolveTeam(ctx, payload.TeamID, email)
	if teamID == "" {
		return nil, apperr.ValidationFailed("no team could be resolved for the recipients")
	}
	if account != nil {
		email.AccountID = account.ID
	}

	result, err := s.resolver.Resolve(ctx, teamID, email)
	if err != nil {
		metrics.Inc(metrics.MessagesFailed)
		return nil, err
	}

	logger.WithFields(map[string]any{
		"team_id":    teamID,
		"message_id": result.MessageID,
		"thread_id":  result.ThreadID,
		"duplicate":  result.Duplicate,
	}).Info("[IngestService.IngestInbound] Ingested inbound mail")
	return result, nil
}

// =============================================================================
// Provider sync
// =============================================================================

// IngestForAccount runs a provider message through the pipeline on behalf
// of a connected account.
func (s *IngestService) IngestForAccount(ctx context.Context, account *domain.ConnectedAccount, payload *domain.InboundMail) (*domain.IngestResult, error) {
	email, err := s.normalize(payload)
	if err != nil {
		return nil, err
	}
	email.AccountID = account.ID

	teamID := account.TeamID
	if teamID == "" {
		teamID = s.defaultTeamID
	}
	if teamID == "" {
		return nil, apperr.ValidationFailed(fmt.Sprintf("account %s has no team", account.ID))
	}
	return s.resolver.Resolve(ctx, teamID, email)
}

func (s *IngestService) normalize(payload *domain.InboundMail) (*domain.CanonicalEmail, error) {
	email, err := s.normalizer.Normalize(payload)
	if err != nil {
		metrics.Inc(metrics.ValidationRejected)
		logger.Warn("[IngestService.normalize] Rejected message: %v", err)
		return nil, err
	}
	email.Direction = domain.DirectionInbound
	return email, nil
}

// resolveTeam picks the explicit team, else the team of the first
// connected account among the recipients, else the default team.
func (s *IngestService) resolveTeam(ctx context.Context, explicit string, email *domain.CanonicalEmail) (string, *domain.ConnectedAccount) {
	if strings.TrimSpace(explicit) != "" {
		return strings.TrimSpace(explicit), nil
	}

	recipients := make([]domain.EmailAddress, 0, len(email.To)+len(email.Cc)+len(email.Bcc))
	recipients = append(recipients, email.To...)
	recipients = append(recipients, email.Cc...)
	recipients = append(recipients, email.Bcc...)
	if email.Direction == domain.DirectionOutbound {
		recipients = []domain.EmailAddress{email.From}
	}

	if s.accounts != nil {
		for _, r := range recipients {
			for _, p := range []domain.Provider{domain.ProviderGmail, domain.ProviderOutlook} {
				acct, err := s.accounts.GetByEmail(ctx, p, strings.ToLower(r.Email))
				if err != nil {
					if !errors.Is(err, out.ErrNotFound) {
						logger.Warn("[IngestService.resolveTeam] Account lookup failed: %v", err)
					}
					continue
				}
				if acct.TeamID != "" {
					return acct.TeamID, acct
				}
			}
		}
	}
	return s.defaultTeamID, nil
}

// =============================================================================
// Delivery status
// =============================================================================

func (s *IngestService) UpdateDeliveryStatus(ctx context.Context, update *domain.DeliveryStatusUpdate) (*domain.Message, error) {
	if update == nil || strings.TrimSpace(update.MessageID) == "" {
		return nil, apperr.MissingField("message_id")
	}
	status, ok := domain.ParseDeliveryStatus(update.Status)
	if !ok {
		return nil, apperr.InvalidInput("status", "must be one of sent, delivered, failed")
	}

	teamID := strings.TrimSpace(update.TeamID)
	if teamID == "" {
		teamID = s.defaultTeamID
	}
	messageID := normalize.ParseMessageID(update.MessageID)

	existing, err := s.mails.GetMessageByMessageID(ctx, teamID, messageID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("message")
	}
	if err != nil {
		return nil, apperr.DatabaseError("load message", err)
	}
	if existing.Direction != domain.DirectionOutbound {
		return nil, apperr.BadRequest("delivery status applies to outbound messages only")
	}

	errText := ""
	if status == domain.DeliveryFailed {
		errText = update.Error
	}
	msg, err := s.mails.UpdateDeliveryStatus(ctx, teamID, messageID, status, errText)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("message")
	}
	if err != nil {
		return nil, apperr.DatabaseError("update delivery status", err)
	}

	logger.Info("[IngestService.UpdateDeliveryStatus] %s -> %s", messageID, status)
	return msg, nil
}
