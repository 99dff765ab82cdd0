package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMiddleware_LimitsAndRefills(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := New(Config{MaxRequestsPerMinute: 2, Now: clock.Now})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Post("/api/v1/records", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	do := func() int {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/records", nil))
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, do())
	assert.Equal(t, fiber.StatusNoContent, do())
	assert.Equal(t, fiber.StatusTooManyRequests, do())

	clock.Advance(30 * time.Second)
	assert.Equal(t, fiber.StatusNoContent, do())
	assert.Equal(t, fiber.StatusTooManyRequests, do())
}

func TestEvictIdle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := New(Config{MaxRequestsPerMinute: 10, Now: clock.Now})
	defer rl.Stop()

	assert.True(t, rl.allow("10.0.0.1"))
	assert.Equal(t, 0, rl.evictIdle())

	clock.Advance(3 * time.Minute)
	assert.True(t, rl.allow("10.0.0.2"))
	assert.Equal(t, 1, rl.evictIdle())
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
