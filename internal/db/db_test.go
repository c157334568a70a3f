package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tickClock returns strictly increasing timestamps one millisecond apart.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	opts = append([]Option{WithClock(tickClock())}, opts...)
	database, err := Open(context.Background(), DriverSQLite, dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}
