package app

import (
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"os"
	"strings"

	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/qdrant"
	"github.com/lumenbio/biograph-backend/internal/platform/vector"
)

// Constructor seams for tests.
var (
	newQdrantVectorStore = qdrant.NewVectorStore
	newVertexVectorStore = vector.NewVertexStore
)

type VectorProvider string

const (
	VectorProviderVertex VectorProvider = "vertex"
	VectorProviderQdrant VectorProvider = "qdrant"
	VectorProviderNone   VectorProvider = "none"
)

type VectorProviderConfig struct {
	Provider VectorProvider
	// Source records how the provider was chosen: "env" for an explicit
	// VECTOR_PROVIDER, otherwise which endpoint variable decided it.
	Source string
	Qdrant qdrant.Config
}

type VectorProviderBootstrapErrorCode string

const (
	VectorProviderBootstrapErrorInvalidProvider     VectorProviderBootstrapErrorCode = "invalid_provider"
	VectorProviderBootstrapErrorMissingQdrantURL    VectorProviderBootstrapErrorCode = "missing_qdrant_url"
	VectorProviderBootstrapErrorInvalidQdrantURL    VectorProviderBootstrapErrorCode = "invalid_qdrant_url"
	VectorProviderBootstrapErrorMissingQdrantColl   VectorProviderBootstrapErrorCode = "missing_qdrant_collection"
	VectorProviderBootstrapErrorMissingQdrantVector VectorProviderBootstrapErrorCode = "missing_qdrant_vector_dim"
	VectorProviderBootstrapErrorInvalidQdrantVector VectorProviderBootstrapErrorCode = "invalid_qdrant_vector_dim"
	VectorProviderBootstrapErrorQdrantConfigFailed  VectorProviderBootstrapErrorCode = "qdrant_config_failed"
	VectorProviderBootstrapErrorConnectFailed       VectorProviderBootstrapErrorCode = "connect_failed"
	VectorProviderBootstrapErrorProviderInitFailed  VectorProviderBootstrapErrorCode = "provider_init_failed"
)

type VectorProviderBootstrapError struct {
	Code     VectorProviderBootstrapErrorCode
	Provider VectorProvider
	Cause    error
}

func (e *VectorProviderBootstrapError) Error() string {
	if e == nil {
		return "vector provider bootstrap failed"
	}
	return fmt.Sprintf(
		"vector provider bootstrap failed (code=%s provider=%q): %v",
		e.Code,
		e.Provider,
		e.Cause,
	)
}

func (e *VectorProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveVectorProviderConfig picks the ANN backend. An explicit
// VECTOR_PROVIDER wins; otherwise a configured Vertex endpoint selects
// vertex, a configured QDRANT_URL selects qdrant, and with neither the
// serving path runs without vector retrieval.
func resolveVectorProviderConfig() (VectorProviderConfig, error) {
	explicit := strings.TrimSpace(strings.ToLower(os.Getenv("VECTOR_PROVIDER")))
	switch explicit {
	case string(VectorProviderVertex):
		return VectorProviderConfig{Provider: VectorProviderVertex, Source: "env"}, nil
	case string(VectorProviderQdrant):
		qcfg, err := qdrant.ResolveConfigFromEnv()
		if err != nil {
			return VectorProviderConfig{}, classifyVectorProviderBootstrapError(VectorProviderQdrant, err)
		}
		return VectorProviderConfig{Provider: VectorProviderQdrant, Source: "env", Qdrant: qcfg}, nil
	case string(VectorProviderNone):
		return VectorProviderConfig{Provider: VectorProviderNone, Source: "env"}, nil
	case "":
	default:
		return VectorProviderConfig{}, &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorInvalidProvider,
			Provider: VectorProvider(explicit),
			Cause:    fmt.Errorf("unsupported vector provider %q", explicit),
		}
	}

	if strings.TrimSpace(os.Getenv("VERTEX_VECTOR_ENDPOINT_RESOURCE")) != "" {
		return VectorProviderConfig{Provider: VectorProviderVertex, Source: "vertex_endpoint_configured"}, nil
	}
	if strings.TrimSpace(os.Getenv("QDRANT_URL")) != "" {
		qcfg, err := qdrant.ResolveConfigFromEnv()
		if err != nil {
			return VectorProviderConfig{}, classifyVectorProviderBootstrapError(VectorProviderQdrant, err)
		}
		return VectorProviderConfig{Provider: VectorProviderQdrant, Source: "qdrant_url_configured", Qdrant: qcfg}, nil
	}
	return VectorProviderConfig{Provider: VectorProviderNone, Source: "unconfigured"}, nil
}

// resolveVectorStore builds the configured store. A none provider (and a
// vertex provider whose endpoint degrades at construction) returns a nil
// store; retrieval callers already treat nil as "no ANN available".
func resolveVectorStore(log *logger.Logger, cfg VectorProviderConfig) (vector.Store, error) {
	switch cfg.Provider {
	case VectorProviderVertex:
		vs, err := newVertexVectorStore(log)
		if err != nil {
			classified := classifyVectorProviderBootstrapError(cfg.Provider, err)
			log.Error("Vector store bootstrap failed",
				"provider", string(cfg.Provider),
				"source", cfg.Source,
				"error", classified)
			return nil, classified
		}
		return vs, nil

	case VectorProviderQdrant:
		vs, err := newQdrantVectorStore(log, cfg.Qdrant)
		if err != nil {
			classified := classifyVectorProviderBootstrapError(cfg.Provider, err)
			log.Error("Vector store bootstrap failed",
				"provider", string(cfg.Provider),
				"source", cfg.Source,
				"error", classified)
			return nil, classified
		}
		return vs, nil

	default:
		log.Warn("No vector provider configured; ANN retrieval disabled")
		return nil, nil
	}
}

// NewVectorStoreFromEnv resolves and builds the configured vector store
// without the rest of the app wiring. Pipeline commands use it to mirror
// embedding shards into the index.
func NewVectorStoreFromEnv(log *logger.Logger) (vector.Store, error) {
	cfg, err := resolveVectorProviderConfig()
	if err != nil {
		return nil, err
	}
	return resolveVectorStore(log, cfg)
}

func classifyVectorProviderBootstrapError(provider VectorProvider, err error) error {
	var urlErr *neturl.Error
	if errors.As(err, &urlErr) {
		return &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorConnectFailed,
			Provider: provider,
			Cause:    err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorConnectFailed,
			Provider: provider,
			Cause:    err,
		}
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "ready check failed") || strings.Contains(errLower, "connection refused") {
		return &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorConnectFailed,
			Provider: provider,
			Cause:    err,
		}
	}

	var cfgErr *qdrant.ConfigError
	if errors.As(err, &cfgErr) {
		code := VectorProviderBootstrapErrorQdrantConfigFailed
		switch cfgErr.Code {
		case qdrant.ConfigErrorMissingURL:
			code = VectorProviderBootstrapErrorMissingQdrantURL
		case qdrant.ConfigErrorInvalidURL:
			code = VectorProviderBootstrapErrorInvalidQdrantURL
		case qdrant.ConfigErrorMissingCollection:
			code = VectorProviderBootstrapErrorMissingQdrantColl
		case qdrant.ConfigErrorMissingVectorDim:
			code = VectorProviderBootstrapErrorMissingQdrantVector
		case qdrant.ConfigErrorInvalidVectorDim:
			code = VectorProviderBootstrapErrorInvalidQdrantVector
		}
		return &VectorProviderBootstrapError{
			Code:     code,
			Provider: provider,
			Cause:    err,
		}
	}

	return &VectorProviderBootstrapError{
		Code:     VectorProviderBootstrapErrorProviderInitFailed,
		Provider: provider,
		Cause:    err,
	}
}
