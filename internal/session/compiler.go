package session

import (
	"sort"
	"strings"

	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/formatting"
)

const segmentRule = "=================================================="

// Compile renders records as labeled segments ordered by record id, then
// kind, so any ordering of the same set yields identical output. Records
// without content are omitted; the result is empty when none have any.
func Compile(records []models.Record) string {
	ordered := make([]models.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].RecordID != ordered[j].RecordID {
			return ordered[i].RecordID < ordered[j].RecordID
		}
		return ordered[i].Kind < ordered[j].Kind
	})

	var b strings.Builder
	for _, r := range ordered {
		segment := renderSegment(r)
		if segment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(segment)
	}

	return b.String()
}

func renderSegment(r models.Record) string {
	var fields [][2]string

	switch r.Kind {
	case models.KindEmail:
		fields = [][2]string{
			{"Subject", strings.TrimSpace(r.Subject)},
			{"Body", formatting.HTMLToText(r.Body)},
			{"Summary", strings.TrimSpace(r.DerivedSummary)},
		}
	case models.KindDocument:
		text := strings.TrimSpace(r.ExtractedText)
		if text == "" {
			return ""
		}
		fields = [][2]string{
			{"File", strings.TrimSpace(r.FileName)},
			{"Extracted Text", text},
		}
	default:
		return ""
	}

	var b strings.Builder
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		b.WriteString(f[0])
		b.WriteString(":\n")
		b.WriteString(f[1])
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return ""
	}

	header := segmentRule + "\n" + strings.ToUpper(string(r.Kind)) + " " + r.RecordID + "\n" + segmentRule + "\n"
	return header + b.String()
}
