//go:build integration

package vectorstore

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-loop/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// startQdrant runs a Qdrant container and returns a connected backend.
func startQdrant(t *testing.T) *Qdrant {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.12.4",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6334/tcp")
	require.NoError(t, err)

	client, err := NewClient(QdrantConfig{Host: host, Port: port.Int()})
	require.NoError(t, err)

	q := NewQdrant(client, embedding.NewHashProvider(64), zap.NewNop())
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQdrantCollectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := startQdrant(t)

	c, err := q.Collection(ctx, CollKnowledge)
	require.NoError(t, err)

	require.NoError(t, c.Add(ctx,
		Record{ID: "k1", Document: "the sky is blue", Metadata: map[string]any{"unique": true, "epoch": 1}},
		Record{ID: "k2", Document: "water boils at 100 degrees", Metadata: map[string]any{"unique": true, "epoch": 2}},
	))
	require.NoError(t, c.Add(ctx, Record{ID: "k3", Document: "the sky is blue", Metadata: map[string]any{"unique": false, "epoch": 3}}))

	all, err := c.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "k1", all[0].ID)
	assert.Equal(t, "k3", all[2].ID)

	newest, err := c.Get(ctx, GetOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, []string{"k2", "k3"}, []string{newest[0].ID, newest[1].ID})

	last, err := c.Get(ctx, GetOptions{Limit: 1, Where: Where{"unique": true}})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "k2", last[0].ID)

	n, err := c.Count(ctx, Where{"unique": true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := c.Query(ctx, "the sky is blue", 1, Where{"unique": true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "k1", res[0].ID)
	assert.InDelta(t, 1.0, res[0].Similarity(), 1e-4)

	require.NoError(t, c.Update(ctx, Record{ID: "k2", Metadata: map[string]any{"source": "test"}}))
	got, err := c.Get(ctx, GetOptions{IDs: []string{"k2"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Metadata["source"])
	assert.Equal(t, "water boils at 100 degrees", got[0].Document)

	require.NoError(t, c.Delete(ctx, "k1"))
	n, err = c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Wipe(ctx))
	n, err = c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
