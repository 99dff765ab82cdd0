// Package session decides when a session's records are complete and compiles
// them into the single document handed to extraction.
package session

import (
	"fmt"
	"time"

	"github.com/order-intake/backend/internal/storage/models"
)

type Rule string

const (
	RuleNone         Rule = "none"
	RuleDocumentOnly Rule = "document_only"
	RuleEmailOnly    Rule = "email_only"
	RuleMixed        Rule = "mixed"
)

type Verdict struct {
	Complete bool   `json:"complete"`
	Rule     Rule   `json:"rule"`
	Reason   string `json:"reason,omitempty"`
	// Stale is set when completion was granted only because the session
	// stopped receiving records while still short of declared attachments.
	Stale bool `json:"stale,omitempty"`
}

// Detector evaluates the completion rules. The zero value never overrides a
// shortfall; with StaleAfter > 0 a session short of declared attachments is
// complete once its newest record is older than StaleAfter.
type Detector struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

// IsSessionComplete applies the completion rules with no staleness override.
func IsSessionComplete(records []models.Record) bool {
	return Detector{}.Evaluate(records).Complete
}

func (d Detector) Evaluate(records []models.Record) Verdict {
	var emails, documents []models.Record
	for _, r := range records {
		switch r.Kind {
		case models.KindEmail:
			emails = append(emails, r)
		case models.KindDocument:
			documents = append(documents, r)
		}
	}

	switch {
	case len(emails) == 0 && len(documents) == 0:
		return Verdict{Rule: RuleNone, Reason: "no recognised records"}
	case len(emails) == 0:
		return evaluateDocumentOnly(documents)
	case len(documents) == 0:
		return d.evaluate(RuleEmailOnly, emails, nil, records)
	default:
		return d.evaluate(RuleMixed, emails, documents, records)
	}
}

func evaluateDocumentOnly(documents []models.Record) Verdict {
	if reason := missingText(documents); reason != "" {
		return Verdict{Rule: RuleDocumentOnly, Reason: reason}
	}
	return Verdict{Complete: true, Rule: RuleDocumentOnly}
}

// evaluate covers the email-only and mixed rules. Email-only is the mixed
// rule with no documents, so a declared attachment count can never be met.
func (d Detector) evaluate(rule Rule, emails, documents, all []models.Record) Verdict {
	for _, e := range emails {
		if e.DerivedSummary == "" {
			return Verdict{Rule: rule, Reason: fmt.Sprintf("email %s has no summary", e.RecordID)}
		}
	}
	if reason := missingText(documents); reason != "" {
		return Verdict{Rule: rule, Reason: reason}
	}

	children := make(map[string]int, len(emails))
	for _, doc := range documents {
		if doc.ParentRecordID != "" {
			children[doc.ParentRecordID]++
		}
	}

	shortfall := ""
	for _, e := range emails {
		if e.DeclaredChildCount <= 0 {
			continue
		}
		got := children[e.RecordID]
		if got > e.DeclaredChildCount {
			return Verdict{Rule: rule, Reason: fmt.Sprintf("email %s declares %d documents, found %d", e.RecordID, e.DeclaredChildCount, got)}
		}
		if got < e.DeclaredChildCount && shortfall == "" {
			shortfall = fmt.Sprintf("email %s declares %d documents, found %d", e.RecordID, e.DeclaredChildCount, got)
		}
	}

	if shortfall == "" {
		return Verdict{Complete: true, Rule: rule}
	}
	if d.stale(all) {
		return Verdict{Complete: true, Rule: rule, Reason: shortfall, Stale: true}
	}
	return Verdict{Rule: rule, Reason: shortfall}
}

func missingText(documents []models.Record) string {
	for _, doc := range documents {
		if doc.ExtractedText == "" {
			return fmt.Sprintf("document %s has no extracted text", doc.RecordID)
		}
	}
	return ""
}

func (d Detector) stale(records []models.Record) bool {
	if d.StaleAfter <= 0 {
		return false
	}

	var newest time.Time
	for _, r := range records {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	if newest.IsZero() {
		return false
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().Sub(newest) >= d.StaleAfter
}
