package memory

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Graph mirrors knowledge into Neo4j: one (:Knowledge) node per item and a
// RELATED_TO edge from every near-duplicate to the item it resembles.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph creates a Neo4j knowledge graph.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the id uniqueness constraint.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT knowledge_id IF NOT EXISTS FOR (k:Knowledge) REQUIRE k.id IS UNIQUE`, nil)
	return err
}

// AddKnowledge creates the node and, for non-unique items, the edge to the
// related item.
func (g *Graph) AddKnowledge(ctx context.Context, k *Knowledge) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (k:Knowledge {id: $id})
		 SET k.content = $content, k.epoch = $epoch, k.unique = $unique,
		     k.source = $source, k.created_at = datetime()`,
		map[string]interface{}{
			"id":      k.ID,
			"content": k.Content,
			"epoch":   k.Epoch,
			"unique":  k.Unique,
			"source":  k.Source,
		})
	if err != nil {
		return err
	}
	if k.RelatedTo == "" {
		return nil
	}

	_, err = session.Run(ctx,
		`MATCH (k:Knowledge {id: $id}), (o:Knowledge {id: $other})
		 MERGE (k)-[r:RELATED_TO]->(o)
		 SET r.relationship = $rel, r.similarity = $sim`,
		map[string]interface{}{
			"id":    k.ID,
			"other": k.RelatedTo,
			"rel":   k.Relationship,
			"sim":   k.Similarity,
		})
	return err
}

// Related returns the items that point at id through RELATED_TO.
func (g *Graph) Related(ctx context.Context, id string) ([]*Knowledge, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (k:Knowledge)-[r:RELATED_TO]->(o:Knowledge {id: $id})
		 RETURN k.id, k.content, k.epoch, r.relationship
		 ORDER BY k.epoch`,
		map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}

	var out []*Knowledge
	for result.Next(ctx) {
		rec := result.Record()
		kid, _ := rec.Get("k.id")
		content, _ := rec.Get("k.content")
		epoch, _ := rec.Get("k.epoch")
		rel, _ := rec.Get("r.relationship")
		k := &Knowledge{RelatedTo: id}
		k.ID, _ = kid.(string)
		k.Content, _ = content.(string)
		k.Epoch = intOf(epoch)
		k.Relationship, _ = rel.(string)
		out = append(out, k)
	}
	return out, result.Err()
}

// Remove deletes a knowledge node and its edges.
func (g *Graph) Remove(ctx context.Context, id string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (k:Knowledge {id: $id}) DETACH DELETE k`,
		map[string]interface{}{"id": id})
	return err
}

// Wipe deletes every knowledge node.
func (g *Graph) Wipe(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `MATCH (k:Knowledge) DETACH DELETE k`, nil)
	if err == nil {
		g.logger.Info("knowledge graph wiped")
	}
	return err
}
