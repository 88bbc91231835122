// Package pgindex is the optional Postgres-backed secondary index of job
// records, for replicas that want queryable job history. It is never the
// source of truth: the blob store holds the authoritative spec and state
// snapshots, and losing this table loses nothing but query convenience.
package pgindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meshinfer/meshinfer/internal/domain"
)

// JobRow is one indexed job. SpecJSON holds the full JobSpec as a JSON
// column so operators can query into it without a join against the blob
// store.
type JobRow struct {
	JobID        string         `gorm:"primaryKey"`
	Pattern      string         `gorm:"index"`
	State        string         `gorm:"index"`
	Owner        string         `gorm:"index"`
	Priority     string
	SpecJSON     datatypes.JSON
	SpecHandle   string
	ResultHandle string
	FailureKind  string
	FailureMsg   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (JobRow) TableName() string { return "job_index" }

// Index upserts and queries JobRows. All writes are idempotent per job id,
// so replaying a jobs.updates stream (or double-publishing a snapshot)
// converges on the latest state.
type Index struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Index { return &Index{db: db} }

// Upsert writes the latest snapshot of job, replacing any prior row.
func (ix *Index) Upsert(ctx context.Context, job domain.Job) error {
	raw, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("pgindex: encode spec: %w", err)
	}
	row := JobRow{
		JobID:        job.ID,
		Pattern:      string(job.Pattern),
		State:        string(job.State),
		Owner:        job.Owner,
		Priority:     string(job.Priority),
		SpecJSON:     datatypes.JSON(raw),
		SpecHandle:   job.SpecHandle,
		ResultHandle: job.ResultHandle,
		FailureKind:  string(job.FailureKind),
		FailureMsg:   job.FailureMsg,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	return ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// Get fetches one indexed job by id.
func (ix *Index) Get(ctx context.Context, jobID string) (*JobRow, error) {
	var row JobRow
	if err := ix.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ByState lists indexed jobs in the given state, newest first.
func (ix *Index) ByState(ctx context.Context, state domain.JobState, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []JobRow
	err := ix.db.WithContext(ctx).
		Where("state = ?", string(state)).
		Order("updated_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ByOwner lists indexed jobs submitted by one owner, newest first.
func (ix *Index) ByOwner(ctx context.Context, owner string, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []JobRow
	err := ix.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("updated_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
