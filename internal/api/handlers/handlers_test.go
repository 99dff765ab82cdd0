package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/order-intake/backend/internal/aggregator"
	"github.com/order-intake/backend/internal/changes"
	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/internal/ingestion"
	"github.com/order-intake/backend/internal/llm"
	"github.com/order-intake/backend/internal/storage/memory"
	"github.com/order-intake/backend/internal/trigger"
)

// stubExtractor fails for any document mentioning FAIL and otherwise
// returns a fixed order.
type stubExtractor struct {
	calls atomic.Int32
}

func (e *stubExtractor) Extract(_ context.Context, document, _ string) (json.RawMessage, error) {
	e.calls.Add(1)
	if strings.Contains(document, "FAIL") {
		return nil, errors.New("model unavailable")
	}
	return json.RawMessage(`{"order_number":"PO-4471","quantity":40}`), nil
}

type testServer struct {
	app   *fiber.App
	store *memory.Store
	hub   *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	extractor := &stubExtractor{}
	hub := events.NewHub(8)

	agg := aggregator.New(store, extractor, aggregator.WithPublisher(hub))
	analyzer := changes.NewAnalyzer(store, extractor, nil, changes.WithPublisher(hub))

	app := fiber.New()
	Register(app, Deps{
		Store:      store,
		Processor:  ingestion.NewProcessor(store, nil),
		Triggers:   trigger.NewHandler(agg, analyzer, nil, 4),
		Aggregator: agg,
		Hub:        hub,
	})

	return &testServer{app: app, store: store, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, contentType, body string) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), jsonType) {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

const jsonType = "application/json"

func seedCompleteSession(t *testing.T, s *testServer, sessionID, text string) {
	t.Helper()

	status, _ := s.do(t, "POST", "/api/v1/records", jsonType,
		`{"session_id":"`+sessionID+`","record_id":"e1","kind":"email","declared_child_count":1,"subject":"PO 4471","derived_summary":"Order for 40 pallets"}`)
	require.Equal(t, fiber.StatusCreated, status)

	status, _ = s.do(t, "POST", "/api/v1/records", jsonType,
		`{"session_id":"`+sessionID+`","record_id":"d1","kind":"document","parent_record_id":"e1","file_name":"po.pdf","extracted_text":"`+text+`"}`)
	require.Equal(t, fiber.StatusCreated, status)
}

func TestRecordsAndSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/records", jsonType,
		`{"session_id":"s-1","record_id":"e1","kind":"email","declared_child_count":1,"subject":"PO 4471","derived_summary":"Order for 40 pallets"}`)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "email_inserted", body["mutation"])

	status, _ = s.do(t, "POST", "/api/v1/records", jsonType,
		`{"session_id":"s-1","record_id":"d1","kind":"document","parent_record_id":"e1","file_name":"po.pdf"}`)
	require.Equal(t, fiber.StatusCreated, status)

	status, body = s.do(t, "GET", "/api/v1/sessions/s-1", "", "")
	require.Equal(t, fiber.StatusOK, status)
	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, false, verdict["complete"])
	assert.Nil(t, body["order"])

	status, body = s.do(t, "POST", "/api/v1/sessions/s-1/finalize", "", "")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "not_ready", body["outcome"])

	status, body = s.do(t, "POST", "/api/v1/records", jsonType,
		`{"session_id":"s-1","record_id":"d1","kind":"document","extracted_text":"Qty 40 pallets"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "text_updated", body["mutation"])

	status, body = s.do(t, "GET", "/api/v1/sessions/s-1", "", "")
	require.Equal(t, fiber.StatusOK, status)
	verdict = body["verdict"].(map[string]any)
	assert.Equal(t, true, verdict["complete"])
	assert.Len(t, body["records"], 2)

	status, body = s.do(t, "POST", "/api/v1/sessions/s-1/finalize", "", "")
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "created", body["outcome"])

	status, body = s.do(t, "POST", "/api/v1/sessions/s-1/finalize", "", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "already_exists", body["outcome"])

	status, body = s.do(t, "GET", "/api/v1/orders/s-1", "", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "PO-4471", body["external_id"])
	assert.Equal(t, "completed", body["status"])
}

func TestPutRecord_Errors(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, "POST", "/api/v1/records", jsonType, `{"session_id":"s-1","record_id":"r1","kind":"email"}`)
	require.Equal(t, fiber.StatusCreated, status)

	status, body := s.do(t, "POST", "/api/v1/records", jsonType, `{"session_id":"s-1","record_id":"r1","kind":"document"}`)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Contains(t, body["error"], "immutable")

	status, _ = s.do(t, "POST", "/api/v1/records", jsonType, `{"session_id":"s-1","kind":"email"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "POST", "/api/v1/records", jsonType, `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "POST", "/api/v1/records", "text/plain", `{}`)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)
}

func TestTriggerBatch(t *testing.T) {
	s := newTestServer(t)
	seedCompleteSession(t, s, "s-1", "Qty 40 pallets")
	seedCompleteSession(t, s, "s-fail", "FAIL")

	status, body := s.do(t, "POST", "/api/v1/triggers", jsonType, `[
		{"session_id":"s-1","record_id":"d1","mutation":"text_updated"},
		"not an envelope",
		{"session_id":"s-1","mutation":"email_inserted"}
	]`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["processed"])
	assert.Len(t, body["skipped"], 2)
	assert.Empty(t, body["failed"])

	status, _ = s.do(t, "GET", "/api/v1/orders/s-1", "", "")
	require.Equal(t, fiber.StatusOK, status)

	status, body = s.do(t, "POST", "/api/v1/triggers", jsonType, `[
		{"session_id":"s-1","mutation":"order_modified"},
		{"session_id":"s-fail","record_id":"d1","mutation":"text_updated"}
	]`)
	require.Equal(t, fiber.StatusMultiStatus, status)
	assert.Equal(t, float64(1), body["processed"])
	failed := body["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "s-fail", failed[0].(map[string]any)["session_id"])

	status, body = s.do(t, "GET", "/api/v1/orders/s-1/changes", "", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["changes"], 1)

	status, _ = s.do(t, "GET", "/api/v1/orders/s-fail", "", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, "POST", "/api/v1/triggers", jsonType, `{"session_id":"s-1"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestFinalize_ExtractionFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	seedCompleteSession(t, s, "s-fail", "FAIL")

	status, body := s.do(t, "POST", "/api/v1/sessions/s-fail/finalize", "", "")
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "failed", body["outcome"])
}

func TestIngestEmailRoute(t *testing.T) {
	s := newTestServer(t)

	raw := "From: buyer@example.com\r\nSubject: PO 5100\r\nMessage-ID: <5100@example.com>\r\n\r\nPlease ship 12 crates.\r\n"

	status, body := s.do(t, "POST", "/api/v1/emails/s-9", "message/rfc822", raw)
	require.Equal(t, fiber.StatusCreated, status)
	email := body["email"].(map[string]any)
	assert.Equal(t, "PO 5100", email["subject"])
	assert.Equal(t, "Please ship 12 crates.", email["body"])

	status, _ = s.do(t, "POST", "/api/v1/emails/s-9", "message/rfc822", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "POST", "/api/v1/emails/bad%20id", "message/rfc822", raw)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestLookupsNotFound(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, "GET", "/api/v1/sessions/nobody", "", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, "GET", "/api/v1/orders/nobody", "", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body := s.do(t, "GET", "/api/v1/orders/nobody/changes", "", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["changes"])
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/api/v1/health", "", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = s.do(t, "GET", "/api/v1/ready", "", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, fiber.StatusServiceUnavailable, statusFor(trigger.ErrDispatcherClosed))
	assert.Equal(t, fiber.StatusBadGateway, statusFor(llm.ErrExtractionFailure))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestDecisionFeed(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, "GET", "/ws/decisions", "", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, status)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.Shutdown() })

	conn, resp, err := fws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/decisions?session=s-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.hub.Publish(events.Decision{Type: events.DecisionFinalize, SessionID: "s-2", Outcome: "not_ready"})
	s.hub.Publish(events.Decision{Type: events.DecisionFinalize, SessionID: "s-1", Outcome: string(aggregator.OutcomeCreated)})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Decision
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "created", got.Outcome)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
