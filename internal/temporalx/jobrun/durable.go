package jobrun

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/pattern"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/temporalx"
)

// plainExecutor is the subset of *pattern.Executor Durable falls back to for
// FanOut and Consensus jobs, and for any job when no Temporal client is
// configured.
type plainExecutor interface {
	Execute(ctx context.Context, job domain.Job) (string, *domain.Error)
}

// Durable satisfies jobmanager.Executor. Pipeline-pattern jobs run as a
// Temporal workflow, checkpointed one step at a time through Store, so a
// crashed or handed-off orchestrator replica resumes at the last completed
// step instead of restarting the whole pipeline. FanOut and Consensus jobs,
// and every job when tc is nil, run the plain in-process executor: only
// Pipeline benefits from mid-run durability, since FanOut/Consensus already
// complete in a single dispatch round.
type Durable struct {
	log   *logger.Logger
	tc    temporalsdkclient.Client
	store *Store
	plain plainExecutor
}

func NewDurable(log *logger.Logger, tc temporalsdkclient.Client, store *Store, plain *pattern.Executor) *Durable {
	return &Durable{
		log:   log.With("service", "jobrun.Durable"),
		tc:    tc,
		store: store,
		plain: plain,
	}
}

func (d *Durable) Execute(ctx context.Context, job domain.Job) (string, *domain.Error) {
	if d.tc == nil || job.Spec.Pattern != domain.PatternPipeline {
		return d.plain.Execute(ctx, job)
	}

	if err := d.store.Create(ctx, job); err != nil {
		return "", domain.NewError(domain.ErrInternal, "persist pipeline checkpoint", err)
	}

	cfg := temporalx.LoadConfig()
	run, err := d.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:        job.ID,
		TaskQueue: cfg.TaskQueue,
	}, WorkflowName)
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "start pipeline workflow", err)
	}

	var resultHandle string
	if err := run.Get(ctx, &resultHandle); err != nil {
		d.log.Warn("pipeline workflow failed", "job_id", job.ID, "error", err)
		row, loadErr := d.store.Load(ctx, job.ID)
		if loadErr == nil && row.ErrorKind != "" {
			return "", domain.NewError(domain.ErrorKind(row.ErrorKind), row.ErrorMessage, err)
		}
		return "", domain.NewError(domain.ErrStepFailed, fmt.Sprintf("pipeline workflow for job %s failed", job.ID), err)
	}
	return resultHandle, nil
}
