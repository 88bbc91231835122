package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// redisRegistry stores each well-known record as a single Redis key holding
// the latest JSON snapshot. PutActiveJobsOwner/DeleteActiveJobsOwner do a
// read-modify-write under a short-held mutex so two goroutines in the same
// process updating ownership don't race each other into a lost update;
// across processes the last writer to SET wins, which is an accepted
// tradeoff given ownership records only need to be eventually consistent.
type redisRegistry struct {
	log *logger.Logger
	rdb *goredis.Client

	mu sync.Mutex
}

func NewRedisRegistry(log *logger.Logger, cfg config.RedisConfig) (Registry, error) {
	if log == nil {
		return nil, fmt.Errorf("registry: logger required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("registry: missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("registry: redis ping: %w", err)
	}
	return &redisRegistry{log: log.With("service", "RedisRegistry"), rdb: rdb}, nil
}

func (r *redisRegistry) GetFleet(ctx context.Context) (*FleetSnapshot, error) {
	raw, err := r.rdb.Get(ctx, NameFleetRegistry).Bytes()
	if err == goredis.Nil {
		return &FleetSnapshot{Nodes: nil, AsOf: time.Now().Unix()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get fleet: %w", err)
	}
	var snap FleetSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("registry: decode fleet: %w", err)
	}
	return &snap, nil
}

func (r *redisRegistry) PutFleet(ctx context.Context, snap *FleetSnapshot) error {
	if snap == nil {
		return fmt.Errorf("registry: nil fleet snapshot")
	}
	snap.AsOf = time.Now().Unix()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("registry: encode fleet: %w", err)
	}
	return r.rdb.Set(ctx, NameFleetRegistry, raw, 0).Err()
}

func (r *redisRegistry) GetActiveJobs(ctx context.Context) (*ActiveJobsSnapshot, error) {
	raw, err := r.rdb.Get(ctx, NameActiveJobs).Bytes()
	if err == goredis.Nil {
		return &ActiveJobsSnapshot{Owners: map[string]string{}, AsOf: time.Now().Unix()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get active-jobs: %w", err)
	}
	var snap ActiveJobsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("registry: decode active-jobs: %w", err)
	}
	if snap.Owners == nil {
		snap.Owners = map[string]string{}
	}
	return &snap, nil
}

func (r *redisRegistry) PutActiveJobsOwner(ctx context.Context, jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.GetActiveJobs(ctx)
	if err != nil {
		return err
	}
	snap.Owners[jobID] = ownerID
	snap.Sequence++
	snap.AsOf = time.Now().Unix()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("registry: encode active-jobs: %w", err)
	}
	return r.rdb.Set(ctx, NameActiveJobs, raw, 0).Err()
}

func (r *redisRegistry) DeleteActiveJobsOwner(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.GetActiveJobs(ctx)
	if err != nil {
		return err
	}
	if _, ok := snap.Owners[jobID]; !ok {
		return nil
	}
	delete(snap.Owners, jobID)
	snap.Sequence++
	snap.AsOf = time.Now().Unix()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("registry: encode active-jobs: %w", err)
	}
	return r.rdb.Set(ctx, NameActiveJobs, raw, 0).Err()
}

func (r *redisRegistry) Close() error {
	return r.rdb.Close()
}
