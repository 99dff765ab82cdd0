package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/order-intake/backend/internal/storage/models"
)

func TestDecodeEnvelope(t *testing.T) {
	event, err := DecodeEnvelope([]byte(`{"session_id":"S1","record_id":"email-1","mutation":"email_inserted","extra":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, MutationEvent{SessionID: "S1", RecordID: "email-1", Mutation: MutationEmailInserted}, event)

	event, err = DecodeEnvelope([]byte(`{"session_id":"S1","mutation":"order_created"}`))
	require.NoError(t, err)
	assert.True(t, event.Mutation.IsOrderMutation())
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty":             ``,
		"not json":          `session S1 changed`,
		"wrong types":       `{"session_id":42,"mutation":"email_inserted"}`,
		"missing session":   `{"record_id":"r","mutation":"email_inserted"}`,
		"unknown mutation":  `{"session_id":"S1","record_id":"r","mutation":"record_deleted"}`,
		"missing record id": `{"session_id":"S1","mutation":"text_updated"}`,
		"array":             `[{"session_id":"S1"}]`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(payload))
			assert.ErrorIs(t, err, models.ErrMalformedRecord)
		})
	}
}

func TestMutationForRecord(t *testing.T) {
	email := models.Record{Kind: models.KindEmail}
	doc := models.Record{Kind: models.KindDocument}

	assert.Equal(t, MutationEmailInserted, MutationForRecord(email, true))
	assert.Equal(t, MutationDocumentInserted, MutationForRecord(doc, true))
	assert.Equal(t, MutationSummaryUpdated, MutationForRecord(email, false))
	assert.Equal(t, MutationTextUpdated, MutationForRecord(doc, false))
}
