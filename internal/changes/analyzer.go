// Package changes compares a newly created or modified order with the last
// externally known version of it and reports the differences by severity.
package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/internal/llm"
	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/snapshot"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/utils"
)

type Extractor interface {
	Extract(ctx context.Context, document, schemaPrompt string) (json.RawMessage, error)
}

type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, externalID string) (*snapshot.Snapshot, error)
}

type Store interface {
	GetOrder(ctx context.Context, sessionID string) (*models.Order, error)
	AppendChangeReport(ctx context.Context, report models.ChangeReport) error
	ListChangeReports(ctx context.Context, sessionID string) ([]models.ChangeReport, error)
}

type Analyzer struct {
	store     Store
	extractor Extractor
	snapshots SnapshotSource
	publisher events.Publisher
	now       func() time.Time
}

type Option func(*Analyzer)

func WithPublisher(p events.Publisher) Option {
	return func(a *Analyzer) { a.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer builds an analyzer. snapshots may be nil, in which case every
// order is compared against no previous version.
func NewAnalyzer(store Store, extractor Extractor, snapshots SnapshotSource, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:     store,
		extractor: extractor,
		snapshots: snapshots,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type rawItem struct {
	Field    string          `json:"field"`
	Previous json.RawMessage `json:"previous"`
	Current  json.RawMessage `json:"current"`
	Note     string          `json:"note"`
}

type rawAnalysis struct {
	Critical       []rawItem `json:"critical"`
	Minor          []rawItem `json:"minor"`
	NewInformation []rawItem `json:"new_information"`
	Conflicts      []rawItem `json:"conflicts"`
	Summary        string    `json:"summary"`
}

// AnalyzeChanges never fails: problems are reported through the Error field
// of the returned report.
func (a *Analyzer) AnalyzeChanges(ctx context.Context, previous *snapshot.Snapshot, newData json.RawMessage) models.ChangeReport {
	report := models.ChangeReport{
		ID:             uuid.New().String(),
		HadSnapshot:    previous != nil,
		Critical:       []models.ChangeItem{},
		Minor:          []models.ChangeItem{},
		NewInformation: []models.ChangeItem{},
		Conflicts:      []models.ChangeItem{},
		CreatedAt:      a.now().UTC(),
	}

	if !json.Valid(newData) {
		report.Error = "new order data is not valid JSON"
		return report
	}

	data, err := a.extractor.Extract(ctx, buildPrompt(previous, newData), llm.ChangeAnalysisPrompt)
	if err != nil {
		report.Error = fmt.Sprintf("analysis unavailable: %v", err)
		return report
	}

	var analysis rawAnalysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		report.Error = fmt.Sprintf("analysis malformed: %v", err)
		return report
	}

	report.Critical = convertItems(analysis.Critical)
	report.Minor = convertItems(analysis.Minor)
	report.NewInformation = convertItems(analysis.NewInformation)
	report.Conflicts = convertItems(analysis.Conflicts)
	report.Summary = strings.TrimSpace(analysis.Summary)

	return report
}

func buildPrompt(previous *snapshot.Snapshot, newData json.RawMessage) string {
	var b strings.Builder

	b.WriteString("PREVIOUS ORDER:\n")
	if previous == nil || len(previous.Data) == 0 {
		b.WriteString("none\n")
	} else {
		b.WriteString(indent(previous.Data))
		b.WriteString("\n")
	}

	b.WriteString("\nNEW ORDER:\n")
	b.WriteString(indent(newData))
	b.WriteString("\n")

	return b.String()
}

func indent(data json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

func convertItems(items []rawItem) []models.ChangeItem {
	out := make([]models.ChangeItem, 0, len(items))
	for _, it := range items {
		out = append(out, models.ChangeItem{
			Field:    it.Field,
			Previous: scalarText(it.Previous),
			Current:  scalarText(it.Current),
			Note:     it.Note,
		})
	}
	return out
}

// scalarText renders a JSON value as display text: strings unquoted, null
// as empty, anything else as compact JSON.
func scalarText(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// HandleOrder analyzes the current order of a session against its previous
// snapshot and appends the report to the change log. The order itself is
// never modified.
func (a *Analyzer) HandleOrder(ctx context.Context, sessionID string) (models.ChangeReport, error) {
	order, err := a.store.GetOrder(ctx, sessionID)
	if err != nil {
		return models.ChangeReport{}, fmt.Errorf("failed to load order: %w", err)
	}

	var previous *snapshot.Snapshot
	if a.snapshots != nil && order.ExternalID != "" {
		previous, err = a.snapshots.FetchSnapshot(ctx, order.ExternalID)
		if err != nil {
			logger.Warn("Snapshot unavailable, analyzing without a previous version",
				zap.String("session_id", sessionID),
				zap.String("external_id", order.ExternalID),
				zap.Error(err),
			)
			previous = nil
		}
	}

	report := a.AnalyzeChanges(ctx, previous, order.ExtractedData)
	report.ID = reportID(order, previous, report.Failed())
	report.SessionID = sessionID
	report.ExternalID = order.ExternalID

	if err := a.store.AppendChangeReport(ctx, report); err != nil {
		return report, fmt.Errorf("failed to append change report: %w", err)
	}

	status := "ok"
	if report.Failed() {
		status = "error"
	}
	metrics.ChangeReports.WithLabelValues(status).Inc()

	logger.Info("Change report recorded",
		zap.String("session_id", sessionID),
		zap.String("external_id", order.ExternalID),
		zap.Bool("had_snapshot", report.HadSnapshot),
		zap.Int("critical", len(report.Critical)),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.String("error", report.Error),
	)

	if a.publisher != nil {
		a.publisher.Publish(events.Decision{
			Type:      events.DecisionChangeReport,
			SessionID: sessionID,
			Outcome:   status,
			Reason:    report.Summary,
			At:        report.CreatedAt,
		})
	}

	return report, nil
}

// reportID names a report by what it compared, so a redelivered trigger
// appends nothing new to the change log.
func reportID(order *models.Order, previous *snapshot.Snapshot, failed bool) string {
	previousHash := ""
	if previous != nil {
		previousHash = utils.HashString(string(previous.Data))
	}

	name := strings.Join([]string{
		order.SessionID,
		order.ContentHash,
		utils.HashString(string(order.ExtractedData)),
		previousHash,
		strconv.FormatBool(failed),
	}, "/")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Analyzed reports whether the change log of a session holds any report.
func (a *Analyzer) Analyzed(ctx context.Context, sessionID string) (bool, error) {
	reports, err := a.store.ListChangeReports(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to list change reports: %w", err)
	}
	return len(reports) > 0, nil
}
