package worker

import "context"

// Job is one sweep the worker drives each tick.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds the sweep jobs in execution order.
type Registry struct {
	jobs []Job
}

// NewRegistry builds a registry from jobs, dropping nils so optional sweeps
// can be passed unconditionally.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register appends a job; nil jobs are ignored.
func (r *Registry) Register(job Job) {
	if job != nil {
		r.jobs = append(r.jobs, job)
	}
}

// Jobs returns a copy so callers cannot reorder the sweep sequence.
func (r *Registry) Jobs() []Job {
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}
