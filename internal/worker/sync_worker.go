// Package worker holds the asynq task handlers.
package worker

import (
	"context"
	"log"

	"github.com/hibiken/asynq"

	"github.com/reklamai/api/internal/service"
)

const TaskTypeSync = "generation:sync"

// NewSyncTask builds the periodic reconciliation task.
func NewSyncTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSync, nil)
}

// SyncWorker drives the reconciliation sweep: stale non-terminal
// generations are polled against the provider and settled, so credit
// holds never outlive their generation.
type SyncWorker struct {
	generationService *service.GenerationService
}

func NewSyncWorker(generationService *service.GenerationService) *SyncWorker {
	return &SyncWorker{generationService: generationService}
}

// ProcessTask handles one reconciliation sweep.
func (w *SyncWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if err := w.generationService.Reconcile(ctx); err != nil {
		log.Printf("[Sync] Reconciliation sweep failed: %v", err)
		return err
	}
	return nil
}
