package thread

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// memRepo enforces the same uniqueness rules as the SQL store.
type memRepo struct {
	mu       sync.Mutex
	threads  map[string]*domain.Thread
	messages map[string]*domain.Message
	touches  int
}

func newMemRepo() *memRepo {
	return &memRepo{threads: map[string]*domain.Thread{}, messages: map[string]*domain.Message{}}
}

func (m *memRepo) GetMessageByMessageID(_ context.Context, teamID, messageID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.TeamID == teamID && msg.MessageID == messageID {
			c := *msg
			return &c, nil
		}
	}
	return nil, out.ErrNotFound
}

func (m *memRepo) FindThreadByRoot(_ context.Context, teamID string, ids []string) (*domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for _, t := range m.threads {
			if t.TeamID == teamID && t.RootMessageID == id {
				c := *t
				return &c, nil
			}
		}
	}
	return nil, out.ErrNotFound
}

func (m *memRepo) FindThreadByMessage(_ context.Context, teamID string, ids []string) (*domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for _, msg := range m.messages {
			if msg.TeamID == teamID && msg.MessageID == id {
				c := *m.threads[msg.ThreadID]
				return &c, nil
			}
		}
	}
	return nil, out.ErrNotFound
}

func (m *memRepo) GetThreadByKey(_ context.Context, teamID, key string) (*domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.TeamID == teamID && t.ThreadKey != "" && t.ThreadKey == key {
			c := *t
			return &c, nil
		}
	}
	return nil, out.ErrNotFound
}

func (m *memRepo) GetThread(_ context.Context, id string) (*domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memRepo) InsertThread(_ context.Context, thread *domain.Thread) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.TeamID != thread.TeamID {
			continue
		}
		if t.RootMessageID == thread.RootMessageID || (thread.ThreadKey != "" && t.ThreadKey == thread.ThreadKey) {
			return false, nil
		}
	}
	c := *thread
	m.threads[thread.ID] = &c
	return true, nil
}

func (m *memRepo) AppendMessage(_ context.Context, msg *domain.Message, participants, refs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.TeamID == msg.TeamID && existing.MessageID == msg.MessageID {
			return false, nil
		}
	}
	t, ok := m.threads[msg.ThreadID]
	if !ok {
		return false, out.ErrNotFound
	}
	c := *msg
	m.messages[msg.ID] = &c
	t.Participants = union(t.Participants, participants)
	t.References = union(t.References, refs)
	if msg.ReceivedAt.After(t.LastMessageAt) {
		t.LastMessageAt = msg.ReceivedAt
	}
	t.MessageCount++
	m.touches++
	return true, nil
}

func (m *memRepo) UpdateDeliveryStatus(context.Context, string, string, domain.DeliveryStatus, string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}

func (m *memRepo) ListThreads(context.Context, string, int) ([]*domain.Thread, error) {
	return nil, nil
}

func (m *memRepo) ListThreadMessages(context.Context, string) ([]*domain.Message, error) {
	return nil, nil
}

func (m *memRepo) counts() (threads, messages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads), len(m.messages)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var merged []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

func email(id, subject string, from string, to ...string) *domain.CanonicalEmail {
	e := &domain.CanonicalEmail{
		MessageID: id,
		Subject:   subject,
		From:      domain.EmailAddress{Email: from},
		Date:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for _, addr := range to {
		e.To = append(e.To, domain.EmailAddress{Email: addr})
	}
	return e
}

func TestThreadSubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello", "hello"},
		{"Re: Hello", "hello"},
		{"RE: Fwd: re: Hello", "hello"},
		{"Fw:   Budget  Q3", "budget q3"},
		{"Re[2]: Hello", "hello"},
		{"Regarding the plan", "regarding the plan"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ThreadSubject(tt.in); got != tt.want {
				t.Errorf("ThreadSubject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	a := ThreadKey("Re: Hello", []string{"B@x.com", "a@x.com"})
	b := ThreadKey("hello", []string{"a@x.com", "b@x.com", "a@x.com"})
	if a != b || a != "hello|a@x.com,b@x.com" {
		t.Errorf("ThreadKey mismatch: %q vs %q", a, b)
	}
}

func TestResolve_NewThreadThenReply(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "team-1", email("<root@x.com>", "Plans", "alice@x.com", "bob@x.com"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !first.ThreadCreated || first.Duplicate {
		t.Fatalf("first = %+v, want created", first)
	}

	reply := email("<reply@x.com>", "Re: Plans", "bob@x.com", "alice@x.com", "carol@x.com")
	reply.InReplyTo = "<root@x.com>"
	second, err := r.Resolve(ctx, "team-1", reply)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Errorf("reply landed in %s, want %s", second.ThreadID, first.ThreadID)
	}
	if second.ThreadCreated {
		t.Error("reply should not create a thread")
	}

	thread, _ := repo.GetThread(ctx, first.ThreadID)
	if thread.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", thread.MessageCount)
	}
	if len(thread.Participants) != 3 {
		t.Errorf("Participants = %v, want union of 3", thread.Participants)
	}
}

func TestResolve_ReferencedMessage(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	first, _ := r.Resolve(ctx, "team-1", email("<a@x.com>", "Kickoff", "alice@x.com", "bob@x.com"))
	second := email("<b@x.com>", "Totally different", "bob@x.com", "alice@x.com")
	second.InReplyTo = "<a@x.com>"
	res2, _ := r.Resolve(ctx, "team-1", second)

	// References a non-root message only.
	third := email("<c@x.com>", "Another subject", "dave@x.com", "erin@x.com")
	third.References = []string{"<unknown@x.com>", "<b@x.com>"}
	res3, err := r.Resolve(ctx, "team-1", third)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res2.ThreadID != first.ThreadID || res3.ThreadID != first.ThreadID {
		t.Errorf("threads = %s, %s, want %s", res2.ThreadID, res3.ThreadID, first.ThreadID)
	}
}

func TestResolve_FallbackKey(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	first, _ := r.Resolve(ctx, "team-1", email("<1@x.com>", "Invoice 42", "alice@x.com", "bob@x.com"))
	// No threading headers; same subject modulo prefix and same participants.
	second, err := r.Resolve(ctx, "team-1", email("<2@x.com>", "RE: Invoice 42", "bob@x.com", "alice@x.com"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Error("fallback key should group the reply")
	}

	other, _ := r.Resolve(ctx, "team-1", email("<3@x.com>", "Invoice 42", "alice@x.com", "zed@x.com"))
	if other.ThreadID == first.ThreadID {
		t.Error("different participants must not share the thread")
	}
}

func TestResolve_TeamScoped(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	a, _ := r.Resolve(ctx, "team-1", email("<same@x.com>", "Hi", "alice@x.com", "bob@x.com"))
	b, err := r.Resolve(ctx, "team-2", email("<same@x.com>", "Hi", "alice@x.com", "bob@x.com"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Duplicate || a.ThreadID == b.ThreadID {
		t.Errorf("teams must not share threads or dedupe: %+v %+v", a, b)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	first, _ := r.Resolve(ctx, "team-1", email("<dup@x.com>", "Hello", "alice@x.com", "bob@x.com"))
	again, err := r.Resolve(ctx, "team-1", email("<dup@x.com>", "Hello", "alice@x.com", "bob@x.com"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !again.Duplicate {
		t.Error("second delivery should be a duplicate")
	}
	if again.ThreadID != first.ThreadID || again.StoredID != first.StoredID || again.MessageID != first.MessageID {
		t.Errorf("duplicate ids %+v differ from %+v", again, first)
	}
	if threads, messages := repo.counts(); threads != 1 || messages != 1 {
		t.Errorf("threads=%d messages=%d, want 1/1", threads, messages)
	}
}

func TestResolve_ConcurrentDeliveries(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*domain.IngestResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(ctx, "team-1", email("<race@x.com>", "Race", "alice@x.com", "bob@x.com"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("delivery %d error = %v", i, err)
		}
	}
	if threads, messages := repo.counts(); threads != 1 || messages != 1 {
		t.Fatalf("threads=%d messages=%d, want 1/1", threads, messages)
	}
	for _, res := range results {
		if res.ThreadID != results[0].ThreadID {
			t.Fatal("all deliveries must report the same thread")
		}
	}
}

func TestResolve_ConcurrentNewConversationsShareKey(t *testing.T) {
	repo := newMemRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"<k1@x.com>", "<k2@x.com>", "<k3@x.com>", "<k4@x.com>"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.Resolve(ctx, "team-1", email(id, "Status", "alice@x.com", "bob@x.com")); err != nil {
				t.Errorf("Resolve(%s) error = %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if threads, messages := repo.counts(); threads != 1 || messages != len(ids) {
		t.Errorf("threads=%d messages=%d, want 1/%d", threads, messages, len(ids))
	}
}

func TestResolve_RejectsMissingMessageID(t *testing.T) {
	r := NewResolver(newMemRepo())
	if _, err := r.Resolve(context.Background(), "team-1", &domain.CanonicalEmail{}); err == nil {
		t.Error("expected error for empty message id")
	}
}
