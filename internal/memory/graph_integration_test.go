//go:build integration

package memory

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-loop/internal/embedding"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func startGraph(t *testing.T) *Graph {
	t.Helper()
	ctx := context.Background()

	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	g, err := NewGraph(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })
	require.NoError(t, g.Ping(ctx))
	require.NoError(t, g.EnsureSchema(ctx))
	return g
}

func TestGraphMirrorsKnowledge(t *testing.T) {
	ctx := context.Background()
	g := startGraph(t)

	backend := vectorstore.NewMemory(embedding.NewHashProvider(256))
	s, err := NewStore(ctx, backend, Options{}, zap.NewNop())
	require.NoError(t, err)
	s.SetGraph(g)

	first, err := s.AddKnowledge(ctx, "water boils at 100 degrees", KnowledgeMeta{}, 0)
	require.NoError(t, err)
	second, err := s.AddKnowledge(ctx, "water boils at 100 degrees", KnowledgeMeta{Relationship: "restates"}, 0)
	require.NoError(t, err)
	require.False(t, second.Unique)

	related, err := g.Related(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, second.ID, related[0].ID)
	assert.Equal(t, "restates", related[0].Relationship)

	require.NoError(t, s.RemoveKnowledgeByID(ctx, second.ID))
	related, err = g.Related(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, related)

	require.NoError(t, s.Wipe(ctx))
}
