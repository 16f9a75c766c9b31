package syncer

import (
	"context"

	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/model"
)

// Prioritizer hands a pending task to the processor for its type. Finished
// tasks get none.
type Prioritizer struct {
	sources   SourceFactory
	sink      Sink
	discovery DiscoveryStore
}

var _ backfill.StepPrioritizer[model.TaskJob, model.TaskState] = (*Prioritizer)(nil)

func NewPrioritizer(sources SourceFactory, sink Sink, discovery DiscoveryStore) *Prioritizer {
	return &Prioritizer{sources: sources, sink: sink, discovery: discovery}
}

func (p *Prioritizer) GetStepProcessor(_ context.Context, step backfill.Step[model.TaskJob], state model.TaskState, _ *backfill.RateLimitState) backfill.StepProcessor[model.TaskState] {
	if !state.Status.Pending() {
		return nil
	}

	if step.JobID.Task.Type == model.TaskTypeRepository {
		return &DiscoveryProcessor{sources: p.sources, sink: p.sink, store: p.discovery, job: step.JobID}
	}
	if !step.JobID.Task.Type.Valid() {
		return nil
	}
	return &TaskProcessor{sources: p.sources, sink: p.sink, job: step.JobID}
}

// Skip gives up on the task. The cursor is kept so an operator can see how
// far it got.
func (p *Prioritizer) Skip(_ context.Context, _ backfill.Step[model.TaskJob], state model.TaskState, _ *backfill.RateLimitState) model.TaskState {
	return model.TaskState{Status: model.TaskStatusFailed, Cursor: state.Cursor}
}
