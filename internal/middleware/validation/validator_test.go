package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) }
	app.Post("/api/v1/records", ok)
	app.Post("/api/v1/emails/:session", SessionParam("session"), ok)
	app.Post("/api/v1/sessions/:session/finalize", SessionParam("session"), ok)
	app.Get("/api/v1/records", ok)
	return app
}

func TestMiddleware_ContentTypes(t *testing.T) {
	app := newApp(Config{ContentTypes: map[string][]string{
		"/api/v1/records": {"application/json"},
		"/api/v1/emails":  {"message/rfc822", "text/plain"},
	}})

	tests := []struct {
		name        string
		path        string
		contentType string
		want        int
	}{
		{"json record", "/api/v1/records", "application/json; charset=utf-8", fiber.StatusNoContent},
		{"form record", "/api/v1/records", "application/x-www-form-urlencoded", fiber.StatusUnsupportedMediaType},
		{"missing type", "/api/v1/records", "", fiber.StatusUnsupportedMediaType},
		{"raw email", "/api/v1/emails/s-1", "message/rfc822", fiber.StatusNoContent},
		{"json email", "/api/v1/emails/s-1", "application/json", fiber.StatusUnsupportedMediaType},
		{"unconfigured prefix", "/api/v1/sessions/s-1/finalize", "", fiber.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMiddleware_BodySize(t *testing.T) {
	app := newApp(Config{MaxBodySize: 8})

	req := httptest.NewRequest("POST", "/api/v1/records", strings.NewReader(`{"session_id":"s-1"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/records", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestSessionParam(t *testing.T) {
	app := newApp(Config{})

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/emails/-bad", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/emails/inbox-42.2026", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("s-1"))
	assert.True(t, ValidSessionID("buyer@example.com:2026-03-01"))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("has space"))
	assert.False(t, ValidSessionID(strings.Repeat("a", 129)))
}
