package app

import (
	"github.com/lumenbio/biograph-backend/internal/data/snapshots"
	httpapi "github.com/lumenbio/biograph-backend/internal/http"
	httpH "github.com/lumenbio/biograph-backend/internal/http/handlers"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type Handlers struct {
	Health    *httpH.HealthHandler
	Explore   *httpH.ExploreHandler
	Overview  *httpH.OverviewHandler
	DeepThink *httpH.DeepThinkHandler
	Snapshot  *httpH.SnapshotHandler
}

func wireHandlers(log *logger.Logger, services Services, snapshotRepo snapshots.Repo) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:    httpH.NewHealthHandler(),
		Explore:   httpH.NewExploreHandler(services.Explore),
		Overview:  httpH.NewOverviewHandler(services.Overview, log),
		DeepThink: httpH.NewDeepThinkHandler(services.Overview, log),
		Snapshot:  httpH.NewSnapshotHandler(snapshotRepo),
	}
}

func wireServer(log *logger.Logger, handlers Handlers) *httpapi.Server {
	return httpapi.NewServer(httpapi.RouterConfig{
		Log:              log,
		HealthHandler:    handlers.Health,
		ExploreHandler:   handlers.Explore,
		OverviewHandler:  handlers.Overview,
		DeepThinkHandler: handlers.DeepThink,
		SnapshotHandler:  handlers.Snapshot,
	})
}
