package redisdb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Client wraps the optional Redis connection used for read-through
// caching of hot warehouse lookups.
type Client struct {
	RDB *goredis.Client
	log *logger.Logger
}

// NewFromEnv connects using REDIS_URL (redis:// form) or REDIS_ADDR
// (host:port). With neither set it returns (nil, nil) and callers run
// without a cache.
func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("redisdb: logger required")
	}

	var opts *goredis.Options
	if rawURL := strings.TrimSpace(os.Getenv("REDIS_URL")); rawURL != "" {
		parsed, err := goredis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("redisdb: parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		opts = &goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envutil.Int("REDIS_DB", 0),
		}
	} else {
		return nil, nil
	}
	opts.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisdb: ping: %w", err)
	}

	return &Client{
		RDB: rdb,
		log: log.With("client", "RedisDB"),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.RDB == nil {
		return nil
	}
	err := c.RDB.Close()
	c.RDB = nil
	return err
}
