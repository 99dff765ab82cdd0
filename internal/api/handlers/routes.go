package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/order-intake/backend/internal/aggregator"
	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/internal/ingestion"
	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/middleware/validation"
	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/trigger"
)

// Deps are the components behind the routes. WriteLimiter is optional and
// runs ahead of validation on every write route.
type Deps struct {
	Store        storage.Store
	Processor    *ingestion.Processor
	Triggers     *trigger.Handler
	Aggregator   *aggregator.Aggregator
	Hub          *events.Hub
	WriteLimiter fiber.Handler
	MaxBodySize  int
}

// Register mounts the HTTP API, the metrics endpoint and the decision feed.
func Register(app *fiber.App, deps Deps) {
	recordHandler := NewRecordHandler(deps.Processor)
	triggerHandler := NewTriggerHandler(deps.Triggers)
	sessionHandler := NewSessionHandler(deps.Store, deps.Aggregator)
	healthHandler := NewHealthHandler(deps.Store)
	wsHandler := NewWebSocketHandler(deps.Hub)

	writes := []fiber.Handler{validation.Middleware(validation.Config{
		MaxBodySize: deps.MaxBodySize,
		ContentTypes: map[string][]string{
			"/api/v1/records":  {fiber.MIMEApplicationJSON},
			"/api/v1/triggers": {fiber.MIMEApplicationJSON},
			"/api/v1/emails":   {"message/rfc822", fiber.MIMETextPlain, fiber.MIMEOctetStream},
		},
	})}
	if deps.WriteLimiter != nil {
		writes = append([]fiber.Handler{deps.WriteLimiter}, writes...)
	}
	session := validation.SessionParam("session")

	api := app.Group("/api/v1")

	api.Post("/records", with(writes, recordHandler.PutRecord)...)
	api.Post("/emails/:session", with(writes, session, recordHandler.IngestEmail)...)
	api.Post("/triggers", with(writes, triggerHandler.HandleBatch)...)

	api.Get("/sessions/:session", session, sessionHandler.GetSession)
	api.Post("/sessions/:session/finalize", with(writes, session, sessionHandler.Finalize)...)
	api.Get("/orders/:session", session, sessionHandler.GetOrder)
	api.Get("/orders/:session/changes", session, sessionHandler.ListChanges)

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/decisions", websocket.New(wsHandler.HandleConnection))
}

func with(chain []fiber.Handler, handlers ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(chain)+len(handlers))
	out = append(out, chain...)
	return append(out, handlers...)
}
