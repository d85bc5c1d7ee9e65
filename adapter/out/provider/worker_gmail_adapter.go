// Package provider implements the mailbox provider adapters and registry.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/normalize"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/resilience"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// gmailFetchConcurrency bounds parallel Messages.Get calls per fetch.
const gmailFetchConcurrency = 5

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	// PushTopic is the Pub/Sub topic for users.watch. Defaults to
	// projects/<ProjectID>/topics/gmail-push.
	PushTopic string

	// Endpoint overrides the Gmail API base URL.
	Endpoint string
	// OAuthEndpoint overrides the Google token endpoints.
	OAuthEndpoint *oauth2.Endpoint
	HTTPClient    *http.Client
}

// GmailAdapter implements out.MailProvider and out.OAuthProvider for Gmail.
type GmailAdapter struct {
	config     *oauth2.Config
	topicName  string
	endpoint   string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	endpoint := google.Endpoint
	if cfg.OAuthEndpoint != nil {
		endpoint = *cfg.OAuthEndpoint
	}
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			"email",
		},
		Endpoint: endpoint,
	}

	topic := cfg.PushTopic
	if topic == "" && cfg.ProjectID != "" {
		topic = fmt.Sprintf("projects/%s/topics/gmail-push", cfg.ProjectID)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httputil.NewOptimizedClient(httputil.GmailClientConfig())
	}

	return &GmailAdapter{
		config:     config,
		topicName:  topic,
		endpoint:   cfg.Endpoint,
		httpClient: client,
		breaker:    resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api"), gmailTrips),
	}
}

func (a *GmailAdapter) Provider() domain.Provider {
	return domain.ProviderGmail
}

// =============================================================================
// Authentication
// =============================================================================

func (a *GmailAdapter) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *GmailAdapter) Exchange(ctx context.Context, code string) (*out.TokenSet, error) {
	token, err := a.config.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return nil, wrapOAuthError("gmail", err, "failed to exchange token")
	}
	return toTokenSet(token), nil
}

func (a *GmailAdapter) MailboxAddress(ctx context.Context, token *out.TokenSet) (string, error) {
	svc, err := a.serviceForToken(ctx, token.AccessToken)
	if err != nil {
		return "", err
	}
	var profile *gmail.Profile
	err = a.execute("GetProfile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", a.wrapError(err, "failed to get profile")
	}
	return profile.EmailAddress, nil
}

// RefreshToken exchanges the stored refresh token. The refresh token is
// forced through the token endpoint regardless of the stored expiry.
func (a *GmailAdapter) RefreshToken(ctx context.Context, account *domain.ConnectedAccount) (*out.TokenSet, error) {
	return refreshWithConfig(a.oauthContext(ctx), "gmail", a.config, account)
}

// =============================================================================
// Sync
// =============================================================================

// FetchRecent lists the newest inbox messages. The cursor returned is the
// mailbox history id read before listing, so a later delta may repeat some
// of these messages; ingestion absorbs them as duplicates.
func (a *GmailAdapter) FetchRecent(ctx context.Context, account *domain.ConnectedAccount, maxResults int) (*out.FetchResult, error) {
	svc, err := a.serviceForToken(ctx, account.AccessToken)
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	err = a.execute("GetProfile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}

	var resp *gmail.ListMessagesResponse
	err = a.execute("ListMessages", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Messages.List("me").
			LabelIds("INBOX").
			MaxResults(int64(maxResults)).
			Context(ctx).
			Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list messages")
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	return &out.FetchResult{
		Messages:   a.fetchMessages(ctx, svc, ids),
		NextCursor: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// FetchChanged reads messageAdded history records after cursor. When the
// page is cut at maxResults the cursor stops at the last record consumed.
func (a *GmailAdapter) FetchChanged(ctx context.Context, account *domain.ConnectedAccount, cursor string, maxResults int) (*out.FetchResult, error) {
	startID, err := strconv.ParseUint(strings.TrimSpace(cursor), 10, 64)
	if err != nil || startID == 0 {
		return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired, "invalid history cursor", err, false)
	}

	svc, err := a.serviceForToken(ctx, account.AccessToken)
	if err != nil {
		return nil, err
	}

	var (
		ids       []string
		seen      = make(map[string]bool)
		next      = strconv.FormatUint(startID, 10)
		pageToken string
	)

pages:
	for {
		var resp *gmail.ListHistoryResponse
		err := a.execute("ListHistory", func() error {
			call := svc.Users.History.List("me").
				StartHistoryId(startID).
				HistoryTypes("messageAdded").
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired, "history expired, full sync required", err, false)
			}
			return nil, a.wrapError(err, "failed to list history")
		}

		for _, h := range resp.History {
			if len(ids) >= maxResults {
				break pages
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
			next = strconv.FormatUint(h.Id, 10)
		}

		if resp.NextPageToken == "" {
			if resp.HistoryId > 0 {
				next = strconv.FormatUint(resp.HistoryId, 10)
			}
			break
		}
		pageToken = resp.NextPageToken
	}

	return &out.FetchResult{
		Messages:   a.fetchMessages(ctx, svc, ids),
		NextCursor: next,
	}, nil
}

// fetchMessages gets every message in full format. A message that cannot
// be read is returned with FetchErr set, in its listed position.
func (a *GmailAdapter) fetchMessages(ctx context.Context, svc *gmail.Service, ids []string) []*out.RawProviderMessage {
	results := make([]*out.RawProviderMessage, len(ids))

	var g errgroup.Group
	g.SetLimit(gmailFetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			raw := &out.RawProviderMessage{ExternalID: id}
			var msg *gmail.Message
			err := a.execute("GetMessage", func() error {
				var apiErr error
				msg, apiErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
				return apiErr
			})
			if err != nil {
				raw.FetchErr = a.wrapError(err, "failed to get message")
			} else {
				raw.Payload = msg
			}
			results[i] = raw
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// =============================================================================
// Push
// =============================================================================

// RegisterSubscription calls users.watch. Gmail has no renew call; a new
// watch replaces the previous one.
func (a *GmailAdapter) RegisterSubscription(ctx context.Context, account *domain.ConnectedAccount) (*domain.SubscriptionDescriptor, error) {
	if a.topicName == "" {
		return nil, out.NewProviderError("gmail", out.ProviderErrInvalidInput, "push topic not configured", nil, false)
	}
	svc, err := a.serviceForToken(ctx, account.AccessToken)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	err = a.execute("Watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to setup watch")
	}

	return &domain.SubscriptionDescriptor{
		Kind:      domain.SubscriptionHistory,
		Cursor:    strconv.FormatUint(resp.HistoryId, 10),
		ExpiresAt: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// =============================================================================
// Conversion
// =============================================================================

// ConvertToCanonical maps a full-format (or raw-format) Gmail message.
func (a *GmailAdapter) ConvertToCanonical(raw *out.RawProviderMessage) (*domain.InboundMail, error) {
	msg, ok := raw.Payload.(*gmail.Message)
	if !ok || msg == nil {
		return nil, fmt.Errorf("gmail: unexpected payload %T", raw.Payload)
	}

	if msg.Raw != "" {
		data, err := decodeBase64URL(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("gmail: decode raw message: %w", err)
		}
		return normalize.ParseRawMIME(data)
	}
	if msg.Payload == nil {
		return nil, errors.New("gmail: message has no payload")
	}

	headers := make(map[string]string, len(msg.Payload.Headers))
	for _, h := range msg.Payload.Headers {
		key := textproto.CanonicalMIMEHeaderKey(h.Name)
		if _, exists := headers[key]; !exists {
			headers[key] = h.Value
		}
	}

	mail := &domain.InboundMail{
		From:       headers["From"],
		To:         splitHeader(headers["To"]),
		Cc:         splitHeader(headers["Cc"]),
		Bcc:        splitHeader(headers["Bcc"]),
		Subject:    headers["Subject"],
		MessageID:  headers["Message-Id"],
		InReplyTo:  headers["In-Reply-To"],
		References: splitHeader(headers["References"]),
		Date:       headers["Date"],
		Headers:    headers,
	}
	if mail.Date == "" && msg.InternalDate > 0 {
		mail.Date = time.UnixMilli(msg.InternalDate).UTC().Format(time.RFC3339)
	}
	mail.HTML, mail.Text = extractGmailBody(msg.Payload, 0)
	return mail, nil
}

// extractGmailBody walks the MIME tree for the first text/html and
// text/plain parts, skipping attachments.
func extractGmailBody(part *gmail.MessagePart, depth int) (html, text string) {
	if part == nil || depth > 10 {
		return "", ""
	}
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		mimeType := strings.ToLower(part.MimeType)
		if data, err := decodeBase64URL(part.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(mimeType, "text/html"):
				html = string(data)
			case strings.HasPrefix(mimeType, "text/plain"):
				text = string(data)
			}
		}
	}
	for _, p := range part.Parts {
		h, t := extractGmailBody(p, depth+1)
		if html == "" {
			html = h
		}
		if text == "" {
			text = t
		}
	}
	return html, text
}

// =============================================================================
// Internal Helpers
// =============================================================================

// serviceForToken builds a Gmail client that uses the stored access token
// as is. Refresh is owned by the credential manager, so the client never
// refreshes on its own.
func (a *GmailAdapter) serviceForToken(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(a.oauthContext(ctx), src)),
	}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrServer, "failed to create gmail service", err, false)
	}
	return svc, nil
}

func (a *GmailAdapter) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// execute runs an API call through the circuit breaker.
func (a *GmailAdapter) execute(operation string, fn func() error) error {
	err := a.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		logger.Warn("[GmailAdapter.%s] Circuit open, failing fast", operation)
	}
	return err
}

// gmailTrips reports whether err is a server-side failure that should
// count toward opening the circuit.
func gmailTrips(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return true
		}
		return false
	}
	return true
}

// GetCircuitBreakerState returns the breaker state for health reporting.
func (a *GmailAdapter) GetCircuitBreakerState() string {
	return a.breaker.State()
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return out.NewProviderError("gmail", out.ProviderErrServer, "circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case http.StatusForbidden:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case http.StatusNotFound:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case http.StatusTooManyRequests:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
		return out.NewProviderError("gmail", out.ProviderErrInvalidInput, defaultMsg, err, false)
	}

	return out.NewProviderError("gmail", out.ProviderErrNetwork, defaultMsg, err, true)
}

// decodeBase64URL accepts padded and unpadded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// splitHeader keeps a header value as one entry; address splitting is left
// to the normalizer.
func splitHeader(v string) domain.StringList {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return domain.StringList{v}
}

var (
	_ out.MailProvider  = (*GmailAdapter)(nil)
	_ out.OAuthProvider = (*GmailAdapter)(nil)
)
