package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/resilience"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/errgroup"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// graphSubscriptionLifetime is just under the Graph maximum for mail.
	graphSubscriptionLifetime = 4230 * time.Minute
	// graphDeltaBootstrapPages bounds the walk to the first delta link.
	graphDeltaBootstrapPages = 50

	outlookFetchConcurrency = 4
	graphMessageSelect      = "id,internetMessageId,subject,body,from,toRecipients,ccRecipients,bccRecipients,receivedDateTime,sentDateTime,internetMessageHeaders"
)

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookConfig holds Outlook/Microsoft configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string // "common" for multi-tenant

	// NotificationURL receives Graph change notifications.
	NotificationURL string
	// ClientState is echoed back by Graph in every notification.
	ClientState string

	// BaseURL overrides the Graph base URL.
	BaseURL string
	// OAuthEndpoint overrides the Azure AD endpoints.
	OAuthEndpoint *oauth2.Endpoint
	HTTPClient    *http.Client
}

// OutlookAdapter implements out.MailProvider and out.OAuthProvider for
// Microsoft Graph. Requests carry the stored access token directly.
type OutlookAdapter struct {
	config          *oauth2.Config
	baseURL         string
	notificationURL string
	clientState     string
	client          *http.Client
	breaker         *resilience.Breaker
	now             func() time.Time
}

func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenantID)
	if cfg.OAuthEndpoint != nil {
		endpoint = *cfg.OAuthEndpoint
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.Read",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: endpoint,
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httputil.NewOptimizedClient(httputil.OutlookClientConfig())
	}

	return &OutlookAdapter{
		config:          config,
		baseURL:         baseURL,
		notificationURL: cfg.NotificationURL,
		clientState:     cfg.ClientState,
		client:          client,
		breaker:         resilience.NewBreaker(resilience.DefaultBreakerConfig("graph-api"), out.IsTransient),
		now:             time.Now,
	}
}

func (a *OutlookAdapter) Provider() domain.Provider {
	return domain.ProviderOutlook
}

// =============================================================================
// Authentication
// =============================================================================

func (a *OutlookAdapter) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (a *OutlookAdapter) Exchange(ctx context.Context, code string) (*out.TokenSet, error) {
	token, err := a.config.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return nil, wrapOAuthError("outlook", err, "failed to exchange token")
	}
	return toTokenSet(token), nil
}

func (a *OutlookAdapter) MailboxAddress(ctx context.Context, token *out.TokenSet) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.doGet(ctx, token.AccessToken, a.baseURL+"/me?$select=mail,userPrincipalName", &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}

func (a *OutlookAdapter) RefreshToken(ctx context.Context, account *domain.ConnectedAccount) (*out.TokenSet, error) {
	return refreshWithConfig(a.oauthContext(ctx), "outlook", a.config, account)
}

// =============================================================================
// Sync
// =============================================================================

// FetchRecent lists the newest inbox messages. Without a stored delta link
// one is bootstrapped so the next sync can run in delta mode.
func (a *OutlookAdapter) FetchRecent(ctx context.Context, account *domain.ConnectedAccount, maxResults int) (*out.FetchResult, error) {
	params := url.Values{}
	params.Set("$top", fmt.Sprintf("%d", maxResults))
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$select", "id")

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := a.doGet(ctx, account.AccessToken, a.baseURL+"/me/mailFolders/inbox/messages?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Value))
	for _, m := range resp.Value {
		ids = append(ids, m.ID)
	}

	cursor := account.Cursor
	if cursor == "" {
		link, err := a.bootstrapDeltaLink(ctx, account.AccessToken)
		if err != nil {
			logger.Warn("[OutlookAdapter.FetchRecent] Delta bootstrap failed for %s: %v", account.ID, err)
		}
		cursor = link
	}

	return &out.FetchResult{
		Messages:   a.fetchMessages(ctx, account.AccessToken, ids),
		NextCursor: cursor,
	}, nil
}

// FetchChanged follows the stored delta or next link. When maxResults is
// reached mid-walk the pending next link becomes the cursor.
func (a *OutlookAdapter) FetchChanged(ctx context.Context, account *domain.ConnectedAccount, cursor string, maxResults int) (*out.FetchResult, error) {
	if !strings.HasPrefix(cursor, "http") {
		return nil, out.NewProviderError("outlook", out.ProviderErrSyncRequired, "invalid delta link", nil, false)
	}

	var (
		ids  []string
		link = cursor
		next string
	)
	for link != "" {
		var resp graphDeltaPage
		if err := a.doGet(ctx, account.AccessToken, link, &resp); err != nil {
			return nil, err
		}
		for _, msg := range resp.Value {
			if msg.Removed == nil && msg.ID != "" {
				ids = append(ids, msg.ID)
			}
		}
		if resp.DeltaLink != "" {
			next = resp.DeltaLink
			break
		}
		next = resp.NextLink
		if len(ids) >= maxResults {
			break
		}
		link = resp.NextLink
	}
	if next == "" {
		next = cursor
	}

	return &out.FetchResult{
		Messages:   a.fetchMessages(ctx, account.AccessToken, ids),
		NextCursor: next,
	}, nil
}

func (a *OutlookAdapter) bootstrapDeltaLink(ctx context.Context, accessToken string) (string, error) {
	link := a.baseURL + "/me/mailFolders/inbox/messages/delta?$select=id"
	for i := 0; i < graphDeltaBootstrapPages && link != ""; i++ {
		var resp graphDeltaPage
		if err := a.doGet(ctx, accessToken, link, &resp); err != nil {
			return "", err
		}
		if resp.DeltaLink != "" {
			return resp.DeltaLink, nil
		}
		link = resp.NextLink
	}
	return "", errors.New("delta link not reached")
}

// fetchMessages reads each message with its internet headers. A message
// that cannot be read is returned with FetchErr set.
func (a *OutlookAdapter) fetchMessages(ctx context.Context, accessToken string, ids []string) []*out.RawProviderMessage {
	results := make([]*out.RawProviderMessage, len(ids))

	var g errgroup.Group
	g.SetLimit(outlookFetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			raw := &out.RawProviderMessage{ExternalID: id}
			var msg graphMessage
			u := a.baseURL + "/me/messages/" + url.PathEscape(id) + "?$select=" + graphMessageSelect
			if err := a.doGet(ctx, accessToken, u, &msg); err != nil {
				raw.FetchErr = err
			} else {
				raw.Payload = &msg
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

// RegisterSubscription renews the stored Graph subscription, or creates a
// new one when there is none or Graph no longer knows it.
func (a *OutlookAdapter) RegisterSubscription(ctx context.Context, account *domain.ConnectedAccount) (*domain.SubscriptionDescriptor, error) {
	if a.notificationURL == "" {
		return nil, out.NewProviderError("outlook", out.ProviderErrInvalidInput, "notification url not configured", nil, false)
	}
	expires := a.now().Add(graphSubscriptionLifetime).UTC()

	var resp graphSubscription
	if sub := account.Subscription; sub != nil && sub.Kind == domain.SubscriptionGraph && sub.SubscriptionID != "" {
		body := map[string]string{"expirationDateTime": expires.Format(time.RFC3339)}
		err := a.doJSON(ctx, http.MethodPatch, account.AccessToken, a.baseURL+"/subscriptions/"+url.PathEscape(sub.SubscriptionID), body, &resp)
		if err == nil {
			return a.toDescriptor(account, &resp, expires), nil
		}
		if code, _ := out.ProviderErrorCodeOf(err); code != out.ProviderErrNotFound {
			return nil, err
		}
		logger.Info("[OutlookAdapter.RegisterSubscription] Subscription %s gone, creating a new one", sub.SubscriptionID)
	}

	body := map[string]string{
		"changeType":         "created",
		"notificationUrl":    a.notificationURL,
		"resource":           "me/mailFolders('Inbox')/messages",
		"expirationDateTime": expires.Format(time.RFC3339),
		"clientState":        a.clientState,
	}
	if err := a.doJSON(ctx, http.MethodPost, account.AccessToken, a.baseURL+"/subscriptions", body, &resp); err != nil {
		return nil, err
	}
	return a.toDescriptor(account, &resp, expires), nil
}

func (a *OutlookAdapter) toDescriptor(account *domain.ConnectedAccount, resp *graphSubscription, fallback time.Time) *domain.SubscriptionDescriptor {
	expires := fallback
	if t, err := time.Parse(time.RFC3339, resp.ExpirationDateTime); err == nil {
		expires = t.UTC()
	}
	id := resp.ID
	if id == "" && account.Subscription != nil {
		id = account.Subscription.SubscriptionID
	}
	return &domain.SubscriptionDescriptor{
		Kind:           domain.SubscriptionGraph,
		SubscriptionID: id,
		Cursor:         account.Cursor,
		ExpiresAt:      expires,
	}
}

// =============================================================================
// Conversion
// =============================================================================

func (a *OutlookAdapter) ConvertToCanonical(raw *out.RawProviderMessage) (*domain.InboundMail, error) {
	msg, ok := raw.Payload.(*graphMessage)
	if !ok || msg == nil {
		return nil, fmt.Errorf("outlook: unexpected payload %T", raw.Payload)
	}

	headers := make(map[string]string, len(msg.InternetMessageHeaders))
	for _, h := range msg.InternetMessageHeaders {
		key := textproto.CanonicalMIMEHeaderKey(h.Name)
		if _, exists := headers[key]; !exists {
			headers[key] = h.Value
		}
	}

	mail := &domain.InboundMail{
		From:       msg.From.EmailAddress.String(),
		To:         recipients(msg.ToRecipients),
		Cc:         recipients(msg.CcRecipients),
		Bcc:        recipients(msg.BccRecipients),
		Subject:    msg.Subject,
		MessageID:  msg.InternetMessageID,
		InReplyTo:  headers["In-Reply-To"],
		References: splitHeader(headers["References"]),
		Date:       headers["Date"],
		Headers:    headers,
	}
	if mail.MessageID == "" {
		mail.MessageID = headers["Message-Id"]
	}
	if mail.Date == "" {
		mail.Date = msg.ReceivedDateTime
	}
	if strings.EqualFold(msg.Body.ContentType, "html") {
		mail.HTML = msg.Body.Content
	} else {
		mail.Text = msg.Body.Content
	}
	return mail, nil
}

func recipients(list []graphRecipient) domain.StringList {
	if len(list) == 0 {
		return nil
	}
	outList := make(domain.StringList, 0, len(list))
	for _, r := range list {
		if s := r.EmailAddress.String(); s != "" {
			outList = append(outList, s)
		}
	}
	return outList
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *OutlookAdapter) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *OutlookAdapter) doGet(ctx context.Context, accessToken, u string, result any) error {
	return a.doJSON(ctx, http.MethodGet, accessToken, u, nil, result)
}

func (a *OutlookAdapter) doJSON(ctx context.Context, method, accessToken, u string, body any, result any) error {
	return a.breaker.Execute(func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return a.wrapError(err, "request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return a.wrapHTTPError(resp.StatusCode, string(respBody))
		}
		if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return out.NewProviderError("outlook", out.ProviderErrServer, "invalid response body", err, false)
			}
		}
		return nil
	})
}

// GetCircuitBreakerState returns the breaker state for health reporting.
func (a *OutlookAdapter) GetCircuitBreakerState() string {
	return a.breaker.State()
}

func (a *OutlookAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	return out.NewProviderError("outlook", out.ProviderErrNetwork, defaultMsg, err, true)
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, body string) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return out.NewProviderError("outlook", out.ProviderErrTokenExpired, "Token expired", nil, false)
	case statusCode == http.StatusForbidden:
		return out.NewProviderError("outlook", out.ProviderErrAuth, "Access denied", nil, false)
	case statusCode == http.StatusNotFound:
		return out.NewProviderError("outlook", out.ProviderErrNotFound, "Not found", nil, false)
	case statusCode == http.StatusGone,
		strings.Contains(body, "resyncRequired"),
		strings.Contains(body, "SyncStateNotFound"):
		return out.NewProviderError("outlook", out.ProviderErrSyncRequired, "Full sync required", nil, false)
	case statusCode == http.StatusTooManyRequests:
		return out.NewProviderError("outlook", out.ProviderErrRateLimit, "Too many requests", nil, true)
	case statusCode >= 500:
		return out.NewProviderError("outlook", out.ProviderErrServer, fmt.Sprintf("HTTP %d", statusCode), nil, true)
	default:
		return out.NewProviderError("outlook", out.ProviderErrInvalidInput, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, false)
	}
}

// Graph API types

type graphDeltaPage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type graphMessage struct {
	ID                     string            `json:"id"`
	InternetMessageID      string            `json:"internetMessageId"`
	Subject                string            `json:"subject"`
	Body                   graphBody         `json:"body"`
	From                   graphRecipient    `json:"from"`
	ToRecipients           []graphRecipient  `json:"toRecipients"`
	CcRecipients           []graphRecipient  `json:"ccRecipients"`
	BccRecipients          []graphRecipient  `json:"bccRecipients"`
	ReceivedDateTime       string            `json:"receivedDateTime"`
	InternetMessageHeaders []graphHeader     `json:"internetMessageHeaders"`
	Removed                *graphRemovedInfo `json:"@removed,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String renders the address in "Name <addr>" form for the normalizer.
func (e graphEmailAddress) String() string {
	if e.Address == "" {
		return ""
	}
	if e.Name == "" || e.Name == e.Address {
		return e.Address
	}
	return fmt.Sprintf("%q <%s>", e.Name, e.Address)
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphRemovedInfo struct {
	Reason string `json:"reason"`
}

type graphSubscription struct {
	ID                 string `json:"id"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

var (
	_ out.MailProvider  = (*OutlookAdapter)(nil)
	_ out.OAuthProvider = (*OutlookAdapter)(nil)
)
