package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPDFExtractor_RejectsInvalidInput(t *testing.T) {
	e := NewPDFExtractor(50)

	_, err := e.ExtractText(context.Background(), "empty.pdf", nil)
	assert.Error(t, err)

	_, err = e.ExtractText(context.Background(), "notes.pdf", []byte("plain text, not a pdf"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ExtractText(ctx, "po.pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeText(t *testing.T) {
	in := "  PURCHASE   ORDER \n\n\tQty:\t40 pallets \r\n\n  Ship to: Dock 4  "
	assert.Equal(t, "PURCHASE ORDER\nQty: 40 pallets\nShip to: Dock 4", normalizeText(in))
}
