package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type postgresRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &postgresRepo{db: db, log: baseLog.With("repo", "SnapshotRepo")}
}

func (r *postgresRepo) Save(ctx context.Context, payload *snapshot.Payload) (string, error) {
	normalize(payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	row := snapshot.GraphSnapshot{
		ID:        newSnapshotID(),
		Payload:   datatypes.JSON(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	r.log.Info("Saved snapshot", "snapshot_id", row.ID, "query", payload.Query)
	return row.ID, nil
}

func (r *postgresRepo) Find(ctx context.Context, id string) (*snapshot.Payload, error) {
	var row snapshot.GraphSnapshot
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload snapshot.Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return &payload, nil
}
