package session

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/order-intake/backend/internal/storage/models"
)

func TestCompile_Deterministic(t *testing.T) {
	records := []models.Record{
		email("e1", "customer orders pallets", 2),
		document("d1", "e1", "Qty 40"),
		document("d2", "e1", "Ship to Dock 4"),
		document("a0", "", "Terms: net 30"),
	}
	want := Compile(records)
	assert.NotEmpty(t, want)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]models.Record, len(records))
		copy(shuffled, records)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Compile(shuffled))
	}
}

func TestCompile_Format(t *testing.T) {
	records := []models.Record{
		document("d1", "e1", "Qty 40"),
		{SessionID: "s-1", RecordID: "e1", Kind: models.KindEmail, Subject: "PO 4471", Body: "<p>Please ship</p>", DerivedSummary: "order for 40"},
	}

	want := "" +
		segmentRule + "\nDOCUMENT d1\n" + segmentRule + "\n" +
		"File:\nd1.pdf\nExtracted Text:\nQty 40\n" +
		"\n" +
		segmentRule + "\nEMAIL e1\n" + segmentRule + "\n" +
		"Subject:\nPO 4471\nBody:\nPlease ship\nSummary:\norder for 40\n"

	assert.Equal(t, want, Compile(records))
}

func TestCompile_TiesBrokenByKind(t *testing.T) {
	records := []models.Record{
		document("same", "", "doc text"),
		{SessionID: "s-1", RecordID: "same", Kind: models.KindEmail, Subject: "subject"},
	}
	out := Compile(records)
	assert.Equal(t, out, Compile([]models.Record{records[1], records[0]}))
	assert.Less(t, strings.Index(out, "DOCUMENT same"), strings.Index(out, "EMAIL same"))
}

func TestCompile_SkipsEmptyRecords(t *testing.T) {
	assert.Equal(t, "", Compile(nil))
	assert.Equal(t, "", Compile([]models.Record{
		document("d1", "", ""),
		{SessionID: "s-1", RecordID: "e1", Kind: models.KindEmail},
	}))

	out := Compile([]models.Record{document("d1", "", ""), document("d2", "", "text")})
	assert.NotContains(t, out, "d1")
	assert.Contains(t, out, "DOCUMENT d2")
}
