package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/storetest"
)

func TestClient(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) storage.Store {
		c, err := NewClient(filepath.Join(t.TempDir(), "orders.db"), WithClock(clock.Now))
		require.NoError(t, err)
		require.NoError(t, c.InitSchema())
		return c
	})
}

func TestInitSchema_Idempotent(t *testing.T) {
	c, err := NewClient(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.InitSchema())
	require.NoError(t, c.InitSchema())
}
