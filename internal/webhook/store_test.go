package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-gateway/internal/common/logging"
)

func TestConfigStore_EvictsLeastRecentlyUsedTenth(t *testing.T) {
	s := newConfigStore(10, logging.NewNopLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.put(&Config{
			ID:         fmt.Sprintf("wh-%d", i),
			URL:        "https://example.com/hook",
			LastUsedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.Equal(t, 10, s.len())

	// wh-0 has the oldest LastUsedAt and is the 10% that goes.
	s.put(&Config{ID: "wh-new", URL: "https://example.com/hook", LastUsedAt: base.Add(time.Hour)})

	assert.Equal(t, 10, s.len())
	_, ok := s.get("wh-0", base)
	assert.False(t, ok)
	_, ok = s.get("wh-new", base)
	assert.True(t, ok)
	_, ok = s.get("wh-1", base)
	assert.True(t, ok)
}

func TestConfigStore_GetRefreshesLastUsedAt(t *testing.T) {
	s := newConfigStore(2, logging.NewNopLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.put(&Config{ID: "a", URL: "https://example.com", LastUsedAt: base})
	s.put(&Config{ID: "b", URL: "https://example.com", LastUsedAt: base.Add(time.Minute)})

	// Touching a makes b the eviction candidate.
	_, ok := s.get("a", base.Add(time.Hour))
	require.True(t, ok)

	s.put(&Config{ID: "c", URL: "https://example.com", LastUsedAt: base.Add(2 * time.Hour)})

	_, ok = s.get("b", base)
	assert.False(t, ok)
	_, ok = s.get("a", base)
	assert.True(t, ok)
}

func TestConfigStore_UpdateDoesNotEvict(t *testing.T) {
	s := newConfigStore(1, logging.NewNopLogger())

	s.put(&Config{ID: "a", URL: "https://example.com/v1"})
	s.put(&Config{ID: "a", URL: "https://example.com/v2"})

	assert.Equal(t, 1, s.len())
	cfg, ok := s.get("a", time.Now())
	require.True(t, ok)
	assert.Equal(t, "https://example.com/v2", cfg.URL)
}

func TestDeliveryStore_EvictionPhases(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("delivered records go first", func(t *testing.T) {
		s := newDeliveryStore(4, logging.NewNopLogger())
		s.put(&Delivery{ID: "done-1", Status: StatusDelivered, CreatedAt: base})
		s.put(&Delivery{ID: "done-2", Status: StatusDelivered, CreatedAt: base})
		s.put(&Delivery{ID: "pending", Status: StatusPending, CreatedAt: base})
		s.put(&Delivery{ID: "dead", Status: StatusDeadLetter, CreatedAt: base})

		s.put(&Delivery{ID: "new", Status: StatusPending, CreatedAt: base.Add(time.Hour)})

		_, ok := s.get("done-1")
		assert.False(t, ok)
		_, ok = s.get("done-2")
		assert.False(t, ok)
		_, ok = s.get("pending")
		assert.True(t, ok)
		_, ok = s.get("dead")
		assert.True(t, ok)
		_, ok = s.get("new")
		assert.True(t, ok)
	})

	t.Run("then half the dead letters oldest first", func(t *testing.T) {
		s := newDeliveryStore(4, logging.NewNopLogger())
		s.put(&Delivery{ID: "dead-1", Status: StatusDeadLetter, CreatedAt: base})
		s.put(&Delivery{ID: "dead-2", Status: StatusDeadLetter, CreatedAt: base.Add(time.Minute)})
		s.put(&Delivery{ID: "dead-3", Status: StatusDeadLetter, CreatedAt: base.Add(2 * time.Minute)})
		s.put(&Delivery{ID: "dead-4", Status: StatusDeadLetter, CreatedAt: base.Add(3 * time.Minute)})

		s.put(&Delivery{ID: "new", Status: StatusPending, CreatedAt: base.Add(time.Hour)})

		_, ok := s.get("dead-1")
		assert.False(t, ok)
		_, ok = s.get("dead-4")
		assert.True(t, ok)
		_, ok = s.get("new")
		assert.True(t, ok)
	})

	t.Run("in-flight records only as a last resort", func(t *testing.T) {
		s := newDeliveryStore(3, logging.NewNopLogger())
		s.put(&Delivery{ID: "pending-old", Status: StatusPending, CreatedAt: base})
		s.put(&Delivery{ID: "retrying", Status: StatusRetrying, CreatedAt: base.Add(time.Minute)})
		s.put(&Delivery{ID: "pending-new", Status: StatusPending, CreatedAt: base.Add(2 * time.Minute)})

		s.put(&Delivery{ID: "new", Status: StatusPending, CreatedAt: base.Add(time.Hour)})

		assert.Equal(t, 3, s.len())
		_, ok := s.get("pending-old")
		assert.False(t, ok)
		_, ok = s.get("retrying")
		assert.True(t, ok)
		_, ok = s.get("new")
		assert.True(t, ok)
	})
}

func TestDeliveryStore_GetReturnsCopy(t *testing.T) {
	s := newDeliveryStore(10, logging.NewNopLogger())
	s.put(&Delivery{ID: "d", Status: StatusPending, Headers: map[string]string{"k": "v"}})

	copied, ok := s.get("d")
	require.True(t, ok)
	copied.Status = StatusDelivered
	copied.Headers["k"] = "mutated"

	original, ok := s.get("d")
	require.True(t, ok)
	assert.Equal(t, StatusPending, original.Status)
	assert.Equal(t, "v", original.Headers["k"])
}

func TestDeliveryStore_MutateMissing(t *testing.T) {
	s := newDeliveryStore(10, logging.NewNopLogger())
	assert.False(t, s.mutate("absent", func(*Delivery) {}))
}
