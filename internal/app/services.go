package app

import (
	"github.com/lumenbio/biograph-backend/internal/data/graphstore"
	"github.com/lumenbio/biograph-backend/internal/data/warehouse"
	"github.com/lumenbio/biograph-backend/internal/modules/explore"
	"github.com/lumenbio/biograph-backend/internal/modules/overview"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type Services struct {
	Explore  explore.Service
	Overview overview.Service
}

func wireServices(log *logger.Logger, clients Clients) Services {
	log.Info("Wiring services...")

	entities := warehouse.NewEntityRepo(clients.Warehouse, log)
	papers := warehouse.NewPaperRepo(clients.Warehouse, log)
	if clients.Cache != nil {
		entities = warehouse.NewCachedEntityRepo(entities, clients.Cache, log)
		papers = warehouse.NewCachedPaperRepo(papers, clients.Cache, log)
	}
	neighbors := warehouse.NewNeighborhoodRepo(clients.Warehouse, log)
	rag := warehouse.NewRagRepo(clients.Warehouse, log)
	orkg := warehouse.NewOrkgRepo(clients.Warehouse, log)

	var pathReader graphstore.PathReader
	if clients.Graph != nil {
		pathReader = graphstore.NewPathReader(clients.Graph, log)
	}
	pathways := explore.NewPathEngine(pathReader, neighbors, log)
	intents := explore.NewIntentResolver(clients.AI, log)

	return Services{
		Explore: explore.NewService(intents, entities, neighbors, papers, pathways, log),
		Overview: overview.NewService(
			clients.AI,
			clients.Embedder,
			clients.Vector,
			rag,
			orkg,
			clients.Scholar,
			log,
		),
	}
}
