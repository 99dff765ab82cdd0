package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedRecord marks a record missing fields required by its kind.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrKindMismatch is returned when a put would change an existing record's kind.
	ErrKindMismatch = errors.New("record kind is immutable")
	// ErrStoreFailure wraps infrastructure errors from a record store.
	ErrStoreFailure = errors.New("store failure")
	// ErrNotFound is returned by point lookups that find nothing.
	ErrNotFound = errors.New("not found")
)

type RecordKind string

const (
	KindEmail    RecordKind = "email"
	KindDocument RecordKind = "document"
)

func (k RecordKind) Valid() bool {
	return k == KindEmail || k == KindDocument
}

// Record is one processed artifact of a session. SessionID, RecordID and
// Kind are fixed at creation; the remaining fields are only ever filled in.
type Record struct {
	SessionID          string     `json:"session_id"`
	RecordID           string     `json:"record_id"`
	Kind               RecordKind `json:"kind"`
	ParentRecordID     string     `json:"parent_record_id,omitempty"`
	DeclaredChildCount int        `json:"declared_child_count,omitempty"`
	Subject            string     `json:"subject,omitempty"`
	Body               string     `json:"body,omitempty"`
	FileName           string     `json:"file_name,omitempty"`
	ExtractedText      string     `json:"extracted_text,omitempty"`
	DerivedSummary     string     `json:"derived_summary,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (r Record) Validate() error {
	switch {
	case r.SessionID == "":
		return fmt.Errorf("%w: missing session_id", ErrMalformedRecord)
	case r.RecordID == "":
		return fmt.Errorf("%w: missing record_id", ErrMalformedRecord)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, r.Kind)
	case r.DeclaredChildCount < 0:
		return fmt.Errorf("%w: negative declared_child_count", ErrMalformedRecord)
	}

	if r.Kind == KindEmail && r.ParentRecordID != "" {
		return fmt.Errorf("%w: email record %s has a parent reference", ErrMalformedRecord, r.RecordID)
	}
	if r.Kind == KindDocument {
		if r.DeclaredChildCount != 0 {
			return fmt.Errorf("%w: document record %s declares children", ErrMalformedRecord, r.RecordID)
		}
		if r.DerivedSummary != "" {
			return fmt.Errorf("%w: document record %s carries a summary", ErrMalformedRecord, r.RecordID)
		}
	}

	return nil
}

// Merge applies an enrichment put on top of the stored record. Empty incoming
// fields never clear stored values and identity fields never change.
func (r Record) Merge(incoming Record, now time.Time) (Record, error) {
	if r.SessionID != incoming.SessionID || r.RecordID != incoming.RecordID {
		return r, fmt.Errorf("merge %s/%s into %s/%s: identity mismatch",
			incoming.SessionID, incoming.RecordID, r.SessionID, r.RecordID)
	}
	if r.Kind != incoming.Kind {
		return r, fmt.Errorf("%w: %s/%s is %s, got %s", ErrKindMismatch, r.SessionID, r.RecordID, r.Kind, incoming.Kind)
	}

	merged := r
	fill(&merged.ParentRecordID, incoming.ParentRecordID)
	fill(&merged.Subject, incoming.Subject)
	fill(&merged.Body, incoming.Body)
	fill(&merged.FileName, incoming.FileName)
	fill(&merged.ExtractedText, incoming.ExtractedText)
	fill(&merged.DerivedSummary, incoming.DerivedSummary)
	if merged.DeclaredChildCount == 0 {
		merged.DeclaredChildCount = incoming.DeclaredChildCount
	}
	merged.UpdatedAt = now

	return merged, nil
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

type OrderStatus string

const OrderStatusCompleted OrderStatus = "completed"

// Order is the single aggregate compiled from a complete session.
type Order struct {
	SessionID     string          `json:"session_id"`
	ExternalID    string          `json:"external_id,omitempty"`
	Status        OrderStatus     `json:"status"`
	ExtractedData json.RawMessage `json:"extracted_data"`
	ContentHash   string          `json:"content_hash"`
	RecordCount   int             `json:"record_count"`
	Stale         bool            `json:"stale,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ChangeItem is one categorized difference between two order snapshots.
type ChangeItem struct {
	Field    string `json:"field"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ChangeReport is emitted by the change analyzer. Error is set instead of
// the buckets when the analysis could not be produced.
type ChangeReport struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	ExternalID     string       `json:"external_id,omitempty"`
	HadSnapshot    bool         `json:"had_snapshot"`
	Critical       []ChangeItem `json:"critical"`
	Minor          []ChangeItem `json:"minor"`
	NewInformation []ChangeItem `json:"new_information"`
	Conflicts      []ChangeItem `json:"conflicts"`
	Summary        string       `json:"summary,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (r ChangeReport) Failed() bool {
	return r.Error != ""
}
