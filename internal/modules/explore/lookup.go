package explore

import (
	"context"
	"fmt"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
)

func (s *service) singleQuery(ctx context.Context, ext ExtractedEntity) (*graph.Payload, error) {
	entity, err := s.entities.Find(ctx, ext.Name, ext.Type)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		s.log.Info("No entity matched query", "entity_name", ext.Name)
		return buildNotFound(ext.Name), nil
	}
	return s.neighborhood(ctx, entity)
}

func (s *service) pairQuery(ctx context.Context, start, end ExtractedEntity) (*graph.Payload, error) {
	startEnt, err := s.entities.Find(ctx, start.Name, start.Type)
	if err != nil {
		return nil, err
	}
	if startEnt == nil {
		return buildNotFound(start.Name), nil
	}
	endEnt, err := s.entities.Find(ctx, end.Name, end.Type)
	if err != nil {
		return nil, err
	}
	if endEnt == nil {
		return buildNotFound(end.Name), nil
	}

	if startEnt.EntityID == endEnt.EntityID {
		return &graph.Payload{
			Nodes: []graph.Node{},
			Edges: []graph.Edge{},
			Message: fmt.Sprintf("'%s' and '%s' resolve to the same entity (%s)",
				start.Name, end.Name, startEnt.EntityID),
		}, nil
	}

	steps, found := s.pathways.FindPath(ctx, startEnt.EntityID, endEnt.EntityID)
	if !found {
		s.log.Info("No path found",
			"start", startEnt.EntityID, "end", endEnt.EntityID)
		return &graph.Payload{
			Nodes: []graph.Node{},
			Edges: []graph.Edge{},
			Message: fmt.Sprintf("No path found between '%s' and '%s'",
				startEnt.Mention, endEnt.Mention),
		}, nil
	}
	return s.pathPayload(ctx, steps)
}
