package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/retry"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.ConnectedAccount
	updates  int
}

func newFakeAccounts(accts ...*domain.ConnectedAccount) *fakeAccounts {
	f := &fakeAccounts{accounts: map[string]*domain.ConnectedAccount{}}
	for _, a := range accts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) get(id string) *domain.ConnectedAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.accounts[id]
	return &c
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*domain.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeAccounts) GetByEmail(_ context.Context, provider domain.Provider, email string) (*domain.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Provider == provider && a.Email == email {
			c := *a
			return &c, nil
		}
	}
	return nil, out.ErrNotFound
}

func (f *fakeAccounts) GetBySubscriptionID(context.Context, domain.Provider, string) (*domain.ConnectedAccount, error) {
	return nil, out.ErrNotFound
}

func (f *fakeAccounts) ListByUser(context.Context, string) ([]*domain.ConnectedAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) ListSyncable(context.Context) ([]*domain.ConnectedAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) ListTokenExpiring(_ context.Context, before time.Time) ([]*domain.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*domain.ConnectedAccount
	for _, a := range f.accounts {
		if a.CanSync() && a.TokenExpiry.Before(before) {
			c := *a
			res = append(res, &c)
		}
	}
	return res, nil
}

func (f *fakeAccounts) ListSubscriptionExpiring(context.Context, time.Time) ([]*domain.ConnectedAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) Upsert(_ context.Context, a *domain.ConnectedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *a
	f.accounts[a.ID] = &c
	return nil
}

func (f *fakeAccounts) Update(_ context.Context, a *domain.ConnectedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *a
	f.accounts[a.ID] = &c
	f.updates++
	return nil
}

// fakeProvider implements MailProvider and OAuthProvider.
type fakeProvider struct {
	refreshCalls atomic.Int32
	refreshDelay time.Duration
	refreshErrs  []error
	tokens       *out.TokenSet
	mailbox      string
}

func (p *fakeProvider) Provider() domain.Provider { return domain.ProviderGmail }

func (p *fakeProvider) FetchRecent(context.Context, *domain.ConnectedAccount, int) (*out.FetchResult, error) {
	return &out.FetchResult{}, nil
}

func (p *fakeProvider) FetchChanged(context.Context, *domain.ConnectedAccount, string, int) (*out.FetchResult, error) {
	return &out.FetchResult{}, nil
}

func (p *fakeProvider) ConvertToCanonical(*out.RawProviderMessage) (*domain.InboundMail, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) RefreshToken(context.Context, *domain.ConnectedAccount) (*out.TokenSet, error) {
	n := int(p.refreshCalls.Add(1))
	if p.refreshDelay > 0 {
		time.Sleep(p.refreshDelay)
	}
	if n <= len(p.refreshErrs) && p.refreshErrs[n-1] != nil {
		return nil, p.refreshErrs[n-1]
	}
	return p.tokens, nil
}

func (p *fakeProvider) RegisterSubscription(context.Context, *domain.ConnectedAccount) (*domain.SubscriptionDescriptor, error) {
	return &domain.SubscriptionDescriptor{}, nil
}

func (p *fakeProvider) AuthURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*out.TokenSet, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return p.tokens, nil
}

func (p *fakeProvider) MailboxAddress(context.Context, *out.TokenSet) (string, error) {
	return p.mailbox, nil
}

type fakeRegistry struct{ p *fakeProvider }

func (r fakeRegistry) Lookup(domain.Provider) (out.MailProvider, error)       { return r.p, nil }
func (r fakeRegistry) LookupOAuth(domain.Provider) (out.OAuthProvider, error) { return r.p, nil }

type memClaims struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.seen, key)
	m.mu.Unlock()
	return nil
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newAccount(id string, expiry time.Time) *domain.ConnectedAccount {
	return &domain.ConnectedAccount{
		ID:           id,
		UserID:       "user-1",
		TeamID:       "team-1",
		Provider:     domain.ProviderGmail,
		Email:        id + "@example.com",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  expiry,
		IsActive:     true,
		SyncStatus:   domain.SyncStatusActive,
	}
}

func newManager(accounts *fakeAccounts, p *fakeProvider) *CredentialManager {
	m := NewCredentialManager(accounts, fakeRegistry{p})
	m.now = func() time.Time { return testNow }
	m.SetRetryPolicy(retry.Policy{MaxAttempts: 3, Retryable: out.IsTransient})
	return m
}

func TestRefreshTokens_Success(t *testing.T) {
	accounts := newFakeAccounts(newAccount("a1", testNow.Add(-time.Minute)))
	p := &fakeProvider{tokens: &out.TokenSet{AccessToken: "new-access", Expiry: testNow.Add(time.Hour)}}
	m := newManager(accounts, p)

	got, err := m.RefreshTokens(context.Background(), accounts.get("a1"))
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	stored := accounts.get("a1")
	if stored.RefreshToken != "old-refresh" {
		t.Errorf("empty refresh token in response must keep the stored one, got %q", stored.RefreshToken)
	}
	if !stored.TokenExpiry.Equal(testNow.Add(time.Hour)) {
		t.Errorf("TokenExpiry = %v", stored.TokenExpiry)
	}
	if stored.SyncStatus != domain.SyncStatusActive {
		t.Errorf("SyncStatus = %s", stored.SyncStatus)
	}
}

func TestRefreshTokens_FailureRequiresReauth(t *testing.T) {
	accounts := newFakeAccounts(newAccount("a1", testNow.Add(-time.Second)))
	p := &fakeProvider{refreshErrs: []error{
		out.NewProviderError("gmail", out.ProviderErrAuth, "invalid_grant", nil, false),
	}}
	m := newManager(accounts, p)

	_, err := m.RefreshTokens(context.Background(), accounts.get("a1"))
	if !apperr.IsReauthRequired(err) {
		t.Fatalf("error = %v, want REAUTH_REQUIRED", err)
	}
	if apperr.IsRetryable(err) {
		t.Error("reauth errors must not be retryable")
	}
	if calls := p.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, non-transient errors must not be retried", calls)
	}
	stored := accounts.get("a1")
	if stored.SyncStatus != domain.SyncStatusError {
		t.Errorf("SyncStatus = %s, want error", stored.SyncStatus)
	}
	if !strings.Contains(stored.SyncError, "re-authentication") {
		t.Errorf("SyncError = %q", stored.SyncError)
	}
}

func TestRefreshTokens_RetriesTransient(t *testing.T) {
	accounts := newFakeAccounts(newAccount("a1", testNow))
	transient := out.NewProviderError("gmail", out.ProviderErrServer, "503", nil, true)
	p := &fakeProvider{
		refreshErrs: []error{transient, transient},
		tokens:      &out.TokenSet{AccessToken: "new-access", Expiry: testNow.Add(time.Hour)},
	}
	m := newManager(accounts, p)

	if _, err := m.RefreshTokens(context.Background(), accounts.get("a1")); err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if calls := p.refreshCalls.Load(); calls != 3 {
		t.Errorf("refresh calls = %d, want 3", calls)
	}
}

func TestRefreshTokens_ConcurrentCallsShareOneRefresh(t *testing.T) {
	accounts := newFakeAccounts(newAccount("a1", testNow))
	p := &fakeProvider{
		refreshDelay: 50 * time.Millisecond,
		tokens:       &out.TokenSet{AccessToken: "new-access", Expiry: testNow.Add(time.Hour)},
	}
	m := newManager(accounts, p)
	stale := accounts.get("a1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RefreshTokens(context.Background(), stale); err != nil {
				t.Errorf("RefreshTokens() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := p.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestRefreshTokens_DisabledAccount(t *testing.T) {
	acct := newAccount("a1", testNow)
	acct.Disable()
	accounts := newFakeAccounts(acct)
	p := &fakeProvider{tokens: &out.TokenSet{AccessToken: "x"}}
	m := newManager(accounts, p)

	if _, err := m.RefreshTokens(context.Background(), acct); err == nil {
		t.Fatal("expected error for disabled account")
	}
	if p.refreshCalls.Load() != 0 {
		t.Error("disabled accounts must not reach the provider")
	}
	if accounts.get("a1").SyncStatus != domain.SyncStatusDisabled {
		t.Error("disabled is terminal")
	}
}

func TestEnsureFreshAndExpiring(t *testing.T) {
	fresh := newAccount("fresh", testNow.Add(time.Hour))
	soon := newAccount("soon", testNow.Add(2*time.Minute))
	broken := newAccount("broken", testNow.Add(-time.Hour))
	broken.RecordFailure(domain.ReauthRequiredMessage)
	accounts := newFakeAccounts(fresh, soon, broken)
	p := &fakeProvider{tokens: &out.TokenSet{AccessToken: "new-access", Expiry: testNow.Add(time.Hour)}}
	m := newManager(accounts, p)
	ctx := context.Background()

	if _, refreshed, err := m.EnsureFresh(ctx, accounts.get("fresh"), ProactiveRefreshBuffer); err != nil || refreshed {
		t.Errorf("fresh account: refreshed=%v err=%v", refreshed, err)
	}
	got, refreshed, err := m.EnsureFresh(ctx, accounts.get("soon"), ProactiveRefreshBuffer)
	if err != nil || !refreshed || got.AccessToken != "new-access" {
		t.Errorf("expiring account: refreshed=%v err=%v", refreshed, err)
	}

	expiring, err := m.GetExpiringAccounts(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("GetExpiringAccounts() error = %v", err)
	}
	if len(expiring) != 0 {
		t.Errorf("expiring = %d, want 0 (soon refreshed, broken waits for reconnect)", len(expiring))
	}
}

func TestStateSigner(t *testing.T) {
	s := NewStateSigner([]byte("secret"))
	s.now = func() time.Time { return testNow }

	state, err := s.Issue(domain.ProviderOutlook, "user-1", "team-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := s.Verify(state)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.TeamID != "team-1" || claims.Provider != "outlook" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewStateSigner([]byte("other"))
	other.now = s.now
	if _, err := other.Verify(state); err == nil {
		t.Error("state signed with another secret must fail")
	}

	s.now = func() time.Time { return testNow.Add(StateTTL + time.Minute) }
	if _, err := s.Verify(state); err == nil {
		t.Error("expired state must fail")
	}
}

func TestCompleteConnect(t *testing.T) {
	accounts := newFakeAccounts()
	p := &fakeProvider{
		tokens:  &out.TokenSet{AccessToken: "at", RefreshToken: "rt", Expiry: testNow.Add(time.Hour)},
		mailbox: "Owner@Example.com",
	}
	signer := NewStateSigner([]byte("secret"))
	svc := NewConnectService(accounts, fakeRegistry{p}, signer)
	svc.SetReplayStore(&memClaims{})
	var setups int
	svc.SetWebhookSetup(func(context.Context, *domain.ConnectedAccount) error {
		setups++
		return errors.New("push not configured")
	})
	ctx := context.Background()

	url, err := svc.AuthURL(domain.ProviderGmail, "user-1", "team-1")
	if err != nil {
		t.Fatalf("AuthURL() error = %v", err)
	}
	state := url[strings.Index(url, "state=")+len("state="):]

	acct, err := svc.CompleteConnect(ctx, domain.ProviderGmail, "code", state)
	if err != nil {
		t.Fatalf("CompleteConnect() error = %v", err)
	}
	if acct.Email != "owner@example.com" || acct.TeamID != "team-1" || acct.SyncStatus != domain.SyncStatusConnected {
		t.Errorf("account = %+v", acct)
	}
	if setups != 1 {
		t.Errorf("webhook setup calls = %d, want 1 (failure is best effort)", setups)
	}

	if _, err := svc.CompleteConnect(ctx, domain.ProviderGmail, "code", state); err == nil {
		t.Error("state replay must be rejected")
	}

	outlookState, _ := signer.Issue(domain.ProviderOutlook, "user-1", "team-1")
	if _, err := svc.CompleteConnect(ctx, domain.ProviderGmail, "code", outlookState); err == nil {
		t.Error("state for another provider must be rejected")
	}
}

func TestCompleteConnect_ReconnectsErroredAccount(t *testing.T) {
	existing := newAccount("a1", testNow.Add(-time.Hour))
	existing.Email = "owner@example.com"
	existing.RecordFailure(domain.ReauthRequiredMessage)
	accounts := newFakeAccounts(existing)
	p := &fakeProvider{
		tokens:  &out.TokenSet{AccessToken: "at", Expiry: testNow.Add(time.Hour)},
		mailbox: "owner@example.com",
	}
	signer := NewStateSigner([]byte("secret"))
	svc := NewConnectService(accounts, fakeRegistry{p}, signer)

	state, _ := signer.Issue(domain.ProviderGmail, "user-1", "")
	acct, err := svc.CompleteConnect(context.Background(), domain.ProviderGmail, "code", state)
	if err != nil {
		t.Fatalf("CompleteConnect() error = %v", err)
	}
	if acct.ID != "a1" || acct.SyncStatus != domain.SyncStatusConnected || acct.SyncError != "" {
		t.Errorf("account = %+v", acct)
	}
	if acct.RefreshToken != "old-refresh" || acct.TeamID != "team-1" {
		t.Errorf("reconnect must keep refresh token and team: %+v", acct)
	}
}
