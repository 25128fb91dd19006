package clickhousedb

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Client wraps the ClickHouse connection holding the knowledge-graph
// warehouse. Every analytical read in the API goes through it.
type Client struct {
	Conn     driver.Conn
	Database string
	log      *logger.Logger
}

func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("clickhousedb: logger required")
	}

	addr := strings.TrimSpace(os.Getenv("WAREHOUSE_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("clickhousedb: WAREHOUSE_ADDR required")
	}

	database := envutil.String("WAREHOUSE_DATABASE", "kg_raw")
	username := envutil.String("WAREHOUSE_USER", "default")
	password := os.Getenv("WAREHOUSE_PASSWORD")
	dialTimeout := time.Duration(envutil.Int("WAREHOUSE_DIAL_TIMEOUT_SECONDS", 10)) * time.Second
	maxOpen := envutil.Int("WAREHOUSE_MAX_OPEN_CONNS", 10)

	opts := &clickhouse.Options{
		Addr: strings.Split(addr, ","),
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:  dialTimeout,
		MaxOpenConns: maxOpen,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"max_execution_time": envutil.Int("WAREHOUSE_MAX_EXECUTION_SECONDS", 60),
		},
	}
	if envutil.Bool("WAREHOUSE_TLS", false) {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhousedb: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhousedb: ping: %w", err)
	}

	return &Client{
		Conn:     conn,
		Database: database,
		log:      log.With("client", "Warehouse"),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.Conn == nil {
		return nil
	}
	err := c.Conn.Close()
	c.Conn = nil
	return err
}
