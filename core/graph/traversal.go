package graph

import (
	"context"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/model"
)

// GraphDB defines the graph operations traversal needs
type GraphDB interface {
	EdgesTouchingEntity(ctx context.Context, entityRID uuid.UUID) ([]*model.Edge, error)
}

// TraversalResult is one entity reached during traversal with its hop
// distance from the nearest seed and the edge path that led to it.
type TraversalResult struct {
	EntityRID uuid.UUID
	Distance  int
	Path      []model.Hop
}

// BFS performs a breadth-first walk over entity-to-entity edges from a set
// of seed entities. Seeds are at distance 0. Edges are treated as
// undirected; only live edges whose type is in edgeTypes are followed (nil
// follows every type). Each visited entity counts against visitBudget; when
// the budget is exhausted the partial results collected so far are returned
// together with ErrTraversalBudgetExceeded.
func BFS(ctx context.Context, db GraphDB, seeds []uuid.UUID, maxHops int, edgeTypes []model.EdgeType, visitBudget int) ([]*TraversalResult, error) {
	allowed := make(map[model.EdgeType]bool, len(edgeTypes))
	for _, edgeType := range edgeTypes {
		allowed[edgeType] = true
	}

	visited := make(map[uuid.UUID]bool)
	var queue []TraversalResult
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		queue = append(queue, TraversalResult{EntityRID: seed, Distance: 0})
	}

	var results []*TraversalResult
	visits := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		current := queue[0]
		queue = queue[1:]

		visits++
		if visitBudget > 0 && visits > visitBudget {
			return results, model.ErrTraversalBudgetExceeded
		}

		results = append(results, &current)

		if current.Distance >= maxHops {
			continue
		}

		edges, err := db.EdgesTouchingEntity(ctx, current.EntityRID)
		if err != nil {
			return results, err
		}

		for _, edge := range edges {
			if !edge.Live() {
				continue
			}
			if len(allowed) > 0 && !allowed[edge.EdgeType] {
				continue
			}
			// Only entity-to-entity edges continue the walk.
			if edge.SourceEntityRID == nil || edge.TargetEntityRID == nil {
				continue
			}

			var targetRID uuid.UUID
			if *edge.SourceEntityRID == current.EntityRID {
				targetRID = *edge.TargetEntityRID
			} else {
				targetRID = *edge.SourceEntityRID
			}

			if visited[targetRID] {
				continue
			}
			visited[targetRID] = true

			path := make([]model.Hop, len(current.Path), len(current.Path)+1)
			copy(path, current.Path)
			path = append(path, model.Hop{
				EdgeRID:  edge.RID,
				EdgeType: edge.EdgeType,
				FromRID:  current.EntityRID,
				ToRID:    targetRID,
			})

			queue = append(queue, TraversalResult{
				EntityRID: targetRID,
				Distance:  current.Distance + 1,
				Path:      path,
			})
		}
	}

	return results, nil
}

// Neighbors retrieves the entities one hop away from an entity
func Neighbors(ctx context.Context, db GraphDB, entityRID uuid.UUID, edgeTypes []model.EdgeType) ([]uuid.UUID, error) {
	results, err := BFS(ctx, db, []uuid.UUID{entityRID}, 1, edgeTypes, 0)
	if err != nil {
		return nil, err
	}

	// Skip the entity itself (first result)
	neighbors := make([]uuid.UUID, 0, len(results)-1)
	for i := 1; i < len(results); i++ {
		neighbors = append(neighbors, results[i].EntityRID)
	}

	return neighbors, nil
}
