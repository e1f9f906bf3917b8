package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// activeRun is an execution owned by this process.
type activeRun struct {
	cancel  context.CancelCauseFunc
	started time.Time

	mu       sync.RWMutex
	snapshot *model.Instance
}

func (r *activeRun) publish(inst *model.Instance) {
	r.mu.Lock()
	r.snapshot = inst
	r.mu.Unlock()
}

func (r *activeRun) current() *model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// registry tracks the runs active in this process, one per instance.
type registry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*activeRun)}
}

func (r *registry) start(id string, cancel context.CancelCauseFunc, inst *model.Instance) (*activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, ErrAlreadyRunning
	}
	run := &activeRun{cancel: cancel, started: time.Now(), snapshot: inst.Clone()}
	r.runs[id] = run
	return run, nil
}

func (r *registry) finish(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// active lists the ids of running instances.
func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}
