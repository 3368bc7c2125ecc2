package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	StatusProcessing ReceiptStatus = "processing"
	StatusCompleted  ReceiptStatus = "completed"
	StatusFailed     ReceiptStatus = "failed"
)

// Client-side tracking states. Abandoned and TimedOut are never reported by
// the backend; they record that the client stopped polling.
const (
	TrackPending   TrackState = "pending"
	TrackCompleted TrackState = "completed"
	TrackFailed    TrackState = "failed"
	TrackAbandoned TrackState = "abandoned"
	TrackTimedOut  TrackState = "timed_out"
)

const (
	// AnonymousPrefix marks a locally generated anonymous session id.
	AnonymousPrefix = "anon_"
	// UserOwnerPrefix marks the owner key of an authenticated identity.
	UserOwnerPrefix = "user_"
)

type (
	ReceiptStatus string
	TrackState    string

	// UploadCandidate is a local file selected for upload. Open is called once
	// per storage write; Release drops whatever preview resource backs it.
	UploadCandidate struct {
		ID          string
		Name        string
		ContentType string
		Size        int64
		Open        func() (io.ReadCloser, error)
		Release     func()
	}

	// PresignedSlot is a single-use, time-limited storage write target.
	PresignedSlot struct {
		PresignedURL string `json:"presigned_url"`
		FileKey      string `json:"file_key"`
		ExpiresIn    int    `json:"expires_in"`

		IssuedAt time.Time `json:"-"`
	}

	ReceiptItem struct {
		Name     string `json:"name"`
		Quantity *int   `json:"quantity,omitempty"`
		Price    *Money `json:"price,omitempty"`
		Category string `json:"category,omitempty"`
	}

	// ProcessingRecord mirrors the backend view of one uploaded receipt.
	ProcessingRecord struct {
		ID        int64         `json:"id"`
		Status    ReceiptStatus `json:"status"`
		StoreName *string       `json:"store_name,omitempty"`
		Total     *Money        `json:"total,omitempty"`
		Items     []ReceiptItem `json:"items"`
	}

	// ConfirmedFile is one entry of the confirm request.
	ConfirmedFile struct {
		FileKey      string `json:"file_key"`
		OriginalName string `json:"original_name"`
		FileSize     int64  `json:"file_size"`
	}

	// FileFailure ties a candidate to the error that removed it from a batch.
	FileFailure struct {
		CandidateID string
		Name        string
		Err         error
	}

	// BatchResult is the outcome of one upload batch.
	BatchResult struct {
		Message          string
		Receipts         []ProcessingRecord
		TotalUploaded    int
		RemainingUploads *int
		SignupPrompt     string

		Rejected []FileFailure
		Failed   []FileFailure
	}

	// TrackedReceipt is the locally mirrored copy of a record.
	TrackedReceipt struct {
		Record     ProcessingRecord
		Owner      string
		TrackState TrackState
		UpdatedAt  time.Time
	}

	// Identity is the credential attached to outgoing requests. Exactly one of
	// Token and SessionID is set.
	Identity struct {
		Token     string
		SessionID string
	}

	// User is the locally cached profile of the logged-in account.
	User struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
		Tier  string `json:"tier,omitempty"`
	}

	// QuotaState is the advisory upload counter shown in banners.
	QuotaState struct {
		RemainingUploads int
		TotalCount       int
		Inferred         bool
		LimitReached     bool
		SignupPrompt     string
	}

	// Usage is the monthly usage of an authenticated tier.
	Usage struct {
		Used  int    `json:"used"`
		Limit int    `json:"limit"`
		Tier  string `json:"tier"`
	}
)

var (
	ErrEmptyIdentity  = errors.New("identity has neither token nor session id")
	ErrSlotExpired    = errors.New("presigned slot expired")
	ErrNoReader       = errors.New("candidate has no reader")
	ErrPartialConfirm = errors.New("backend confirmed only part of the batch")
)

// IsTerminal reports whether no further transition is expected.
func (s ReceiptStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrackState maps a backend status to the client tracking state.
func (s ReceiptStatus) TrackState() TrackState {
	switch s {
	case StatusCompleted:
		return TrackCompleted
	case StatusFailed:
		return TrackFailed
	default:
		return TrackPending
	}
}

// Settled reports whether the client no longer polls in this state.
func (t TrackState) Settled() bool {
	return t != TrackPending
}

func (s ReceiptStatus) Validate() error {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown receipt status %q", string(s))
	}
}

func (i Identity) Authenticated() bool {
	return i.Token != ""
}

// Owner is the stable key under which local data for this identity is kept.
// Each token maps to its own owner; the token itself is never part of it.
func (i Identity) Owner() string {
	if i.Token != "" {
		sum := sha256.Sum256([]byte(i.Token))
		return UserOwnerPrefix + hex.EncodeToString(sum[:8])
	}
	return i.SessionID
}

func (i Identity) Validate() error {
	if i.Token == "" && i.SessionID == "" {
		return ErrEmptyIdentity
	}
	if i.Token == "" && !strings.HasPrefix(i.SessionID, AnonymousPrefix) {
		return fmt.Errorf("invalid anonymous session id %q", i.SessionID)
	}
	return nil
}

// Expired reports whether the slot may no longer be used at now.
// A slot without IssuedAt or ExpiresIn is treated as unexpired.
func (s PresignedSlot) Expired(now time.Time) bool {
	if s.IssuedAt.IsZero() || s.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second))
}

// Drop releases the candidate's preview resource, if any.
func (c UploadCandidate) Drop() {
	if c.Release != nil {
		c.Release()
	}
}

// DisplayStore returns the store name or a placeholder.
func (r ProcessingRecord) DisplayStore() string {
	if r.StoreName == nil || strings.TrimSpace(*r.StoreName) == "" {
		return "Unknown store"
	}
	return *r.StoreName
}
