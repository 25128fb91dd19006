package warehouse

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lumenbio/biograph-backend/internal/domain/graph"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/platform/redisdb"
)

// Cache failures are never fatal: a broken Redis degrades to direct
// warehouse reads with a warning.

type cachedEntityRepo struct {
	inner EntityRepo
	rdb   *redisdb.Client
	log   *logger.Logger
	ttl   time.Duration
}

// NewCachedEntityRepo wraps an EntityRepo with a Redis read-through
// cache. Only positive lookups are cached.
func NewCachedEntityRepo(inner EntityRepo, rdb *redisdb.Client, baseLog *logger.Logger) EntityRepo {
	return &cachedEntityRepo{
		inner: inner,
		rdb:   rdb,
		log:   baseLog.With("repo", "CachedEntityRepo"),
		ttl:   time.Duration(envutil.Int("CACHE_TTL_SECONDS", 300)) * time.Second,
	}
}

func (r *cachedEntityRepo) Find(ctx context.Context, query, entityType string) (*graph.Entity, error) {
	key := "kg:entity:q:" + strings.ToLower(strings.TrimSpace(query)) + ":" + strings.ToLower(entityType)
	if ent := r.get(ctx, key); ent != nil {
		return ent, nil
	}
	ent, err := r.inner.Find(ctx, query, entityType)
	if err != nil {
		return nil, err
	}
	r.put(ctx, key, ent)
	return ent, nil
}

func (r *cachedEntityRepo) FindByID(ctx context.Context, entityID string) (*graph.Entity, error) {
	key := "kg:entity:id:" + entityID
	if ent := r.get(ctx, key); ent != nil {
		return ent, nil
	}
	ent, err := r.inner.FindByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	r.put(ctx, key, ent)
	return ent, nil
}

func (r *cachedEntityRepo) FindByIDs(ctx context.Context, entityIDs []string) (map[string]graph.Entity, error) {
	return r.inner.FindByIDs(ctx, entityIDs)
}

func (r *cachedEntityRepo) get(ctx context.Context, key string) *graph.Entity {
	raw, err := r.rdb.RDB.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var ent graph.Entity
	if err := json.Unmarshal(raw, &ent); err != nil || ent.EntityID == "" {
		return nil
	}
	return &ent
}

func (r *cachedEntityRepo) put(ctx context.Context, key string, ent *graph.Entity) {
	if ent == nil {
		return
	}
	raw, err := json.Marshal(ent)
	if err != nil {
		return
	}
	if err := r.rdb.RDB.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("Entity cache write failed", "key", key, "error", err)
	}
}

type cachedPaperRepo struct {
	inner PaperRepo
	rdb   *redisdb.Client
	log   *logger.Logger
	ttl   time.Duration
}

// NewCachedPaperRepo wraps a PaperRepo with per-PMID Redis caching.
func NewCachedPaperRepo(inner PaperRepo, rdb *redisdb.Client, baseLog *logger.Logger) PaperRepo {
	return &cachedPaperRepo{
		inner: inner,
		rdb:   rdb,
		log:   baseLog.With("repo", "CachedPaperRepo"),
		ttl:   time.Duration(envutil.Int("CACHE_TTL_SECONDS", 300)) * time.Second,
	}
}

func (r *cachedPaperRepo) FetchDetails(ctx context.Context, pmids []int64) (map[int64]graph.PaperDetail, error) {
	out := make(map[int64]graph.PaperDetail, len(pmids))

	valid := make([]int64, 0, len(pmids))
	for _, p := range pmids {
		if p > 0 {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}

	keys := make([]string, len(valid))
	for i, p := range valid {
		keys[i] = "kg:paper:" + strconv.FormatInt(p, 10)
	}

	var missing []int64
	vals, err := r.rdb.RDB.MGet(ctx, keys...).Result()
	if err != nil {
		missing = valid
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, valid[i])
				continue
			}
			var d graph.PaperDetail
			if json.Unmarshal([]byte(s), &d) != nil {
				missing = append(missing, valid[i])
				continue
			}
			out[valid[i]] = d
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := r.inner.FetchDetails(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := r.rdb.RDB.Pipeline()
	for pmid, d := range fetched {
		out[pmid] = d
		if raw, err := json.Marshal(d); err == nil {
			pipe.Set(ctx, "kg:paper:"+strconv.FormatInt(pmid, 10), raw, r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("Paper cache write failed", "count", len(fetched), "error", err)
	}
	return out, nil
}
