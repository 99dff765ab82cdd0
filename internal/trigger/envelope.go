// Package trigger turns record and order mutation notifications into
// finalization attempts and change analyses.
package trigger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/order-intake/backend/internal/storage/models"
)

type Mutation string

const (
	MutationEmailInserted    Mutation = "email_inserted"
	MutationDocumentInserted Mutation = "document_inserted"
	MutationSummaryUpdated   Mutation = "summary_updated"
	MutationTextUpdated      Mutation = "text_updated"
	MutationOrderCreated     Mutation = "order_created"
	MutationOrderModified    Mutation = "order_modified"
)

func (m Mutation) Valid() bool {
	switch m {
	case MutationEmailInserted, MutationDocumentInserted, MutationSummaryUpdated,
		MutationTextUpdated, MutationOrderCreated, MutationOrderModified:
		return true
	}
	return false
}

func (m Mutation) IsOrderMutation() bool {
	return m == MutationOrderCreated || m == MutationOrderModified
}

// MutationEvent is one at-least-once, unordered notification that something
// in a session changed.
type MutationEvent struct {
	SessionID string   `json:"session_id"`
	RecordID  string   `json:"record_id,omitempty"`
	Mutation  Mutation `json:"mutation"`
}

func (e MutationEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.SessionID) == "":
		return fmt.Errorf("%w: envelope missing session_id", models.ErrMalformedRecord)
	case !e.Mutation.Valid():
		return fmt.Errorf("%w: unknown mutation %q", models.ErrMalformedRecord, e.Mutation)
	case !e.Mutation.IsOrderMutation() && strings.TrimSpace(e.RecordID) == "":
		return fmt.Errorf("%w: %s envelope missing record_id", models.ErrMalformedRecord, e.Mutation)
	}
	return nil
}

// DecodeEnvelope parses and validates one trigger payload. Any problem with
// the payload is reported as models.ErrMalformedRecord.
func DecodeEnvelope(data []byte) (MutationEvent, error) {
	var event MutationEvent

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return event, fmt.Errorf("%w: empty envelope", models.ErrMalformedRecord)
	}

	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("%w: %v", models.ErrMalformedRecord, err)
	}

	if err := event.Validate(); err != nil {
		return event, err
	}

	return event, nil
}

// MutationForRecord names the trigger a stored record should fire: an insert
// when the put created it, otherwise the enrichment it carried.
func MutationForRecord(r models.Record, created bool) Mutation {
	switch {
	case created && r.Kind == models.KindEmail:
		return MutationEmailInserted
	case created:
		return MutationDocumentInserted
	case r.Kind == models.KindEmail:
		return MutationSummaryUpdated
	default:
		return MutationTextUpdated
	}
}
