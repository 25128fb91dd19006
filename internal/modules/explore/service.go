package explore

import (
	"context"
	"errors"
	"net/http"

	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/apierr"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Service answers the interactive graph operations: free-text queries,
// node expansion and entity-pair paths. Every operation returns a
// renderable payload; lookup misses and missing paths come back as
// empty payloads with a message rather than errors.
type Service interface {
	Query(ctx context.Context, query string) (*graph.Payload, error)
	Expand(ctx context.Context, entityID string) (*graph.Payload, error)
}

type service struct {
	intents   IntentResolver
	entities  warehouse.EntityRepo
	neighbors warehouse.NeighborhoodRepo
	papers    warehouse.PaperRepo
	pathways  PathEngine
	log       *logger.Logger
}

func NewService(
	intents IntentResolver,
	entities warehouse.EntityRepo,
	neighbors warehouse.NeighborhoodRepo,
	papers warehouse.PaperRepo,
	pathways PathEngine,
	baseLog *logger.Logger,
) Service {
	return &service{
		intents:   intents,
		entities:  entities,
		neighbors: neighbors,
		papers:    papers,
		pathways:  pathways,
		log:       baseLog.With("service", "ExploreService"),
	}
}

func (s *service) Query(ctx context.Context, query string) (*graph.Payload, error) {
	intent, err := s.intents.Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, ErrExtractionFailed) {
			s.log.Warn("Every extraction fallback failed", "query", query, "error", err)
			return nil, apierr.New(http.StatusBadGateway, "entity_extraction_failed",
				errors.New("Entity extraction failed"))
		}
		return nil, err
	}
	if intent.Kind == IntentPair {
		s.log.Info("Resolved pair intent",
			"start", intent.Start.Name, "end", intent.End.Name)
		return s.pairQuery(ctx, intent.Start, intent.End)
	}
	s.log.Info("Resolved single-entity intent",
		"entity_name", intent.Entity.Name, "entity_type", intent.Entity.Type)
	return s.singleQuery(ctx, intent.Entity)
}

func (s *service) Expand(ctx context.Context, entityID string) (*graph.Payload, error) {
	entity, err := s.entities.FindByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return buildNotFound(entityID), nil
	}
	return s.neighborhood(ctx, entity)
}

func (s *service) neighborhood(ctx context.Context, entity *graph.Entity) (*graph.Payload, error) {
	related, err := s.neighbors.FindRelated(ctx, entity.EntityID)
	if err != nil {
		return nil, err
	}
	papers, err := s.papers.FetchDetails(ctx, collectPMIDs(related))
	if err != nil {
		return nil, err
	}
	return buildGraphPayload(entity, related, papers), nil
}
