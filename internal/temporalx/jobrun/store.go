package jobrun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/meshinfer/meshinfer/internal/domain"
)

// PipelineRun is the durable checkpoint for one Pipeline-pattern Job: the
// job spec it was submitted with, every step output produced so far, and
// the index of the next step to run. Activities.Tick reads and advances
// exactly this row; nothing else writes to it.
type PipelineRun struct {
	JobID           string `gorm:"primaryKey"`
	JobJSON         string
	StepOutputsJSON string
	CursorStep      int
	Status          string
	ResultHandle    string
	ErrorKind       string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

// Store persists PipelineRun rows in Postgres so a workflow resumed on a
// different worker, after an orchestrator replica restart, picks up at the
// last completed step instead of from the beginning.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Create writes the initial checkpoint row for a job about to start
// executing. Re-creating an existing row is a no-op, so starting the
// workflow twice for the same job id (Temporal's own idempotent-start
// behavior) never resets progress already made.
func (s *Store) Create(ctx context.Context, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobrun: encode job: %w", err)
	}
	row := PipelineRun{JobID: job.ID}
	return s.db.WithContext(ctx).
		Where(PipelineRun{JobID: job.ID}).
		Attrs(PipelineRun{
			JobJSON:         string(raw),
			StepOutputsJSON: "{}",
			CursorStep:      0,
			Status:          "running",
		}).
		FirstOrCreate(&row).Error
}

// Load fetches the current checkpoint row for a job.
func (s *Store) Load(ctx context.Context, jobID string) (*PipelineRun, error) {
	var row PipelineRun
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) job(row *PipelineRun) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(row.JobJSON), &job); err != nil {
		return domain.Job{}, fmt.Errorf("jobrun: decode job: %w", err)
	}
	return job, nil
}

func (s *Store) stepOutputs(row *PipelineRun) (map[int]string, error) {
	out := make(map[int]string)
	if row.StepOutputsJSON == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(row.StepOutputsJSON), &out); err != nil {
		return nil, fmt.Errorf("jobrun: decode step outputs: %w", err)
	}
	return out, nil
}

// advance checkpoints a completed-but-not-final step.
func (s *Store) advance(ctx context.Context, jobID string, nextStep int, outputs map[int]string) error {
	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("jobrun: encode step outputs: %w", err)
	}
	return s.db.WithContext(ctx).Model(&PipelineRun{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"cursor_step":       nextStep,
		"step_outputs_json": string(raw),
		"updated_at":        time.Now(),
	}).Error
}

func (s *Store) complete(ctx context.Context, jobID, resultHandle string) error {
	return s.db.WithContext(ctx).Model(&PipelineRun{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"status":        "succeeded",
		"result_handle": resultHandle,
		"updated_at":    time.Now(),
	}).Error
}

func (s *Store) fail(ctx context.Context, jobID string, derr *domain.Error) error {
	return s.db.WithContext(ctx).Model(&PipelineRun{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"status":        "failed",
		"error_kind":    string(derr.Kind),
		"error_message": derr.Error(),
		"updated_at":    time.Now(),
	}).Error
}
