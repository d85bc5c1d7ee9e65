package domain

import (
	"time"
)

// SyncMode selects how a provider fetch is performed.
type SyncMode string

const (
	// SyncModeRecent fetches the newest messages (polling backstop, first sync).
	SyncModeRecent SyncMode = "recent"
	// SyncModeDelta fetches changes since the stored cursor.
	SyncModeDelta SyncMode = "delta"
)

// IngestResult identifies the stored message for one ingested email.
type IngestResult struct {
	MessageID     string `json:"messageId"`
	ThreadID      string `json:"threadId"`
	StoredID      string `json:"-"`
	ThreadCreated bool   `json:"-"`
	Duplicate     bool   `json:"-"`
}

// SyncResult reports one account's fetch-and-ingest batch.
type SyncResult struct {
	AccountID      string         `json:"account_id"`
	Provider       Provider       `json:"provider"`
	Mode           SyncMode       `json:"mode"`
	MessagesSynced int            `json:"messagesSynced"`
	Duplicates     int            `json:"duplicates"`
	Failed         int            `json:"failed"`
	Ingested       []IngestResult `json:"ingested"`
	Errors         []string       `json:"errors,omitempty"`
	NextCursor     string         `json:"next_cursor,omitempty"`
	Refreshed      bool           `json:"refreshed"`
}

// AccountResult is one entry of a sweep.
type AccountResult struct {
	AccountID      string `json:"account_id"`
	Email          string `json:"email"`
	Success        bool   `json:"success"`
	MessagesSynced int    `json:"messages_synced"`
	Error          string `json:"error,omitempty"`
}

// SweepResult reports a scheduled sweep over many accounts.
type SweepResult struct {
	Name     string          `json:"name"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Results  []AccountResult `json:"results"`
}

// Failures counts failed entries.
func (r *SweepResult) Failures() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

// Find returns the entry for accountID.
func (r *SweepResult) Find(accountID string) (AccountResult, bool) {
	for _, res := range r.Results {
		if res.AccountID == accountID {
			return res, true
		}
	}
	return AccountResult{}, false
}
