//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	// A second run finds everything applied.
	require.NoError(t, s.Migrate(ctx, "../../migrations"))

	versions, err := s.Versions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"001_events"}, versions)
	return s
}

func event(epoch int, typ, content string) *memory.Event {
	return &memory.Event{
		ID:        uuid.NewString(),
		Content:   content,
		Type:      typ,
		Creator:   "nuka",
		Epoch:     epoch,
		Metadata:  map[string]any{"n": epoch},
		CreatedAt: time.Now().UTC().Add(time.Duration(epoch) * time.Millisecond),
	}
}

func TestArchiveEvents(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(t)

	first := event(1, memory.EventSystem, "woke up")
	require.NoError(t, s.HandleEvent(ctx, first))
	require.NoError(t, s.HandleEvent(ctx, first), "replay is ignored")
	require.NoError(t, s.HandleEvent(ctx, event(2, memory.EventSummary, "all quiet")))
	require.NoError(t, s.HandleEvent(ctx, event(3, memory.EventSummary, "still quiet")))

	all, err := s.ListEvents(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "woke up", all[0].Content)
	assert.Equal(t, float64(1), all[0].Metadata["n"])

	recent, err := s.ListEvents(ctx, Query{Type: memory.EventSummary, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "still quiet", recent[0].Content)

	ranged, err := s.ListEvents(ctx, Query{FromEpoch: 2, ToEpoch: 2})
	require.NoError(t, err)
	require.Len(t, ranged, 1)

	counts, err := s.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{memory.EventSystem: 1, memory.EventSummary: 2}, counts)

	require.NoError(t, s.Truncate(ctx))
	all, err = s.ListEvents(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
