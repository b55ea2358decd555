package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// deadlockReason is recorded on a run that stops with unsatisfiable steps
const deadlockReason = "dependency deadlock"

// Parallel executes the steps of one run concurrently, each step starting as
// soon as every dependency has succeeded. At most MaxConcurrency steps are
// in flight at any time.
type Parallel struct {
	*engine

	// bk guards the dependency map and the running set. Lock order is bk
	// then engine.mu.
	bk      sync.Mutex
	deps    map[string][]string
	running map[string]bool

	maxConcurrency int
	sem            *semaphore.Weighted
	limiter        *rate.Limiter
}

// NewParallel allocates a run for dagID in CREATED status and persists it
func NewParallel(ctx context.Context, dagID string, opts Options) (*Parallel, error) {
	e, err := newEngine(opts, "parallel_scheduler")
	if err != nil {
		return nil, err
	}
	if err := e.create(ctx, dagID); err != nil {
		return nil, err
	}
	return newParallel(e), nil
}

// ResumeParallel attaches to an existing run and rebuilds the dependency map
// from the persisted step metadata
func ResumeParallel(ctx context.Context, dagID, runID string, repair bool, opts Options) (*Parallel, error) {
	e, err := newEngine(opts, "parallel_scheduler")
	if err != nil {
		return nil, err
	}
	if err := e.load(ctx, dagID, runID, repair); err != nil {
		return nil, err
	}
	return newParallel(e), nil
}

func newParallel(e *engine) *Parallel {
	bound := e.cfg.MaxConcurrency
	if bound <= 0 {
		bound = 1
	}

	p := &Parallel{
		engine:         e,
		deps:           make(map[string][]string),
		running:        make(map[string]bool),
		maxConcurrency: bound,
		sem:            semaphore.NewWeighted(int64(bound)),
	}
	if e.cfg.DispatchRate > 0 {
		burst := e.cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(e.cfg.DispatchRate), burst)
	}

	for _, s := range e.run.Steps() {
		p.deps[s.ID] = append([]string(nil), s.Metadata.Dependencies...)
	}
	return p
}

// RegisterStep binds an executor to a step id. Dependencies given with
// WithDependencies are recorded in the step metadata and the dependency map.
// An id already in the run keeps its persisted policy and dependencies.
func (p *Parallel) RegisterStep(id string, exec Executor, opts ...StepOption) error {
	p.bk.Lock()
	defer p.bk.Unlock()

	s, added, err := p.register(id, exec, opts)
	if err != nil {
		return err
	}
	if added {
		p.deps[id] = append([]string(nil), s.Metadata.Dependencies...)
		p.logger.Debug("step registered",
			zap.String("step_id", id),
			zap.Strings("dependencies", s.Metadata.Dependencies))
	}
	return nil
}

// RunID returns the id of the run
func (p *Parallel) RunID() string {
	return p.runID()
}

// MaxConcurrency returns the bound on steps in flight
func (p *Parallel) MaxConcurrency() int {
	return p.maxConcurrency
}

// Status returns a read-only snapshot of the run
func (p *Parallel) Status() StatusSnapshot {
	return p.snapshot()
}

// Cancel marks the run and its unfinished steps CANCELLED and persists.
// In-flight executors run to completion and their results are kept.
func (p *Parallel) Cancel(ctx context.Context) error {
	return p.cancel(ctx, "cancel requested")
}

// DependencyGraph returns a copy of step id to dependency ids
func (p *Parallel) DependencyGraph() map[string][]string {
	p.bk.Lock()
	defer p.bk.Unlock()

	out := make(map[string][]string, len(p.deps))
	for id, deps := range p.deps {
		out[id] = append([]string(nil), deps...)
	}
	return out
}

// ValidateDependencies reports dependencies on unregistered steps and
// dependency cycles. An empty result means the graph can be executed.
func (p *Parallel) ValidateDependencies() []string {
	p.bk.Lock()
	defer p.bk.Unlock()

	p.mu.Lock()
	ids := p.run.StepIDs()
	p.mu.Unlock()

	return validateGraph(ids, p.deps)
}

// validateGraph checks ids (in order) against deps
func validateGraph(ids []string, deps map[string][]string) []string {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	var errs []string
	for _, id := range ids {
		for _, d := range deps[id] {
			if !known[d] {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", id, d))
			}
		}
	}
	return append(errs, findCycles(ids, deps, known)...)
}

// findCycles is an iterative depth-first search with an explicit stack.
// A dependency on a step that is on the stack closes a cycle.
func findCycles(ids []string, deps map[string][]string, known map[string]bool) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	type frame struct {
		id   string
		next int
	}

	state := make(map[string]int, len(ids))
	var errs []string

	for _, root := range ids {
		if state[root] != unvisited {
			continue
		}
		stack := []frame{{id: root}}
		state[root] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := deps[top.id]
			if top.next == len(edges) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}

			d := edges[top.next]
			top.next++
			if !known[d] {
				continue
			}
			switch state[d] {
			case unvisited:
				state[d] = onStack
				stack = append(stack, frame{id: d})
			case onStack:
				path := make([]string, 0, len(stack)+1)
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].id)
					if stack[i].id == d {
						break
					}
				}
				// stack order is dependent first; report it as execution order
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				path = append(path, path[0])
				errs = append(errs, "dependency cycle detected: "+strings.Join(path, " -> "))
			}
		}
	}
	return errs
}

// Execute runs the graph and returns a snapshot of the finished run.
// Step failures are recorded on the run; only run-level errors and context
// cancellation are returned.
func (p *Parallel) Execute(ctx context.Context) (*run.Run, error) {
	if st := p.status(); !canStart(st) {
		p.logger.Info("run already finished, nothing to execute", zap.String("status", string(st)))
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.run.Clone(), nil
	}

	ctx, span := p.startSpan(ctx, "parallel")
	defer span.End()

	if err := p.begin(ctx); err != nil {
		return p.finish(ctx, span, err, false, finalizeParallel)
	}
	p.logger.Info("run started", zap.Int("max_concurrency", p.maxConcurrency))

	interrupted, runErr := p.loop(ctx)
	return p.finish(ctx, span, runErr, interrupted, finalizeParallel)
}

func finalizeParallel(st run.Status) bool {
	return st == run.StatusRunning
}

// loop admits ready steps up to the concurrency bound and waits for any one
// of them to finish before looking for newly unblocked steps
func (p *Parallel) loop(ctx context.Context) (interrupted bool, err error) {
	results := make(chan stepResult, p.stepCount())
	inflight := 0

	// drain in-flight steps before returning whatever the exit path
	defer func() {
		for ; inflight > 0; inflight-- {
			res := <-results
			p.markDone(res.id)
			if res.err != nil && err == nil {
				err = res.err
			}
		}
	}()
	defer recoverLoop(&err)

	for {
		if p.interrupted(ctx) {
			interrupted = true
			return
		}

		ready, pending, skipErr := p.readySet(ctx)
		if skipErr != nil {
			return false, skipErr
		}

		if len(ready) == 0 && inflight == 0 {
			if pending > 0 {
				return false, p.deadlock(ctx, pending)
			}
			return false, nil
		}

		for _, id := range ready {
			if !p.sem.TryAcquire(1) {
				break
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					p.sem.Release(1)
					break
				}
			}
			p.markRunning(id)
			inflight++
			go func() {
				res := p.executeStep(ctx, id)
				p.sem.Release(1)
				results <- res
			}()
		}

		if inflight == 0 {
			continue
		}

		res := <-results
		inflight--
		p.markDone(res.id)
		if res.err != nil {
			return false, res.err
		}
		if res.status == run.StepFailed {
			if err := p.handleFailure(ctx, res.id); err != nil {
				return false, err
			}
		}
	}
}

func (p *Parallel) stepCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.Len()
}

func (p *Parallel) markRunning(id string) {
	p.bk.Lock()
	p.running[id] = true
	p.bk.Unlock()
}

func (p *Parallel) markDone(id string) {
	p.bk.Lock()
	delete(p.running, id)
	p.bk.Unlock()
}

// readySet returns the pending steps whose dependencies all succeeded, in
// run order, and the number of steps still pending. Pending steps with a
// FAILED or SKIPPED dependency are skipped on the way. A RUNNING or RETRY
// step with no task in flight was left by an earlier process and counts as
// pending, so it is executed again with its retry count.
func (p *Parallel) readySet(ctx context.Context) ([]string, int, error) {
	p.bk.Lock()
	defer p.bk.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		ready   []string
		pending int
		changed bool
	)
	now := p.now()

	for _, s := range p.run.Steps() {
		switch s.Status {
		case run.StepPending, run.StepRunning, run.StepRetry:
		default:
			continue
		}
		if p.running[s.ID] {
			continue
		}

		satisfied := true
		blocker := ""
		for _, d := range p.deps[s.ID] {
			dep, ok := p.run.Step(d)
			if !ok || p.running[d] {
				satisfied = false
				continue
			}
			switch dep.Status {
			case run.StepSuccess:
			case run.StepFailed, run.StepSkipped:
				blocker = d
			default:
				satisfied = false
			}
			if blocker != "" {
				break
			}
		}

		switch {
		case blocker != "":
			p.skipLocked(s, fmt.Sprintf("dependency %s did not succeed", blocker), blocker, now)
			changed = true
		case satisfied:
			ready = append(ready, s.ID)
			pending++
		default:
			pending++
		}
	}

	if changed {
		if err := p.updateLocked(ctx, func(*run.Run, time.Time) {}); err != nil {
			return nil, 0, err
		}
	}
	return ready, pending, nil
}

// handleFailure reacts to an exhausted step failure. A critical step skips
// its transitive dependents; other branches keep running.
func (p *Parallel) handleFailure(ctx context.Context, id string) error {
	p.bk.Lock()
	defer p.bk.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	failed, ok := p.run.Step(id)
	if !ok || !failed.Metadata.Critical {
		p.logger.Warn("non-critical step failed, dependents will be skipped", zap.String("step_id", id))
		return nil
	}

	dependents := p.dependentsLocked(id)
	reason := criticalReason(failed)
	var skipped []string
	err := p.updateLocked(ctx, func(r *run.Run, now time.Time) {
		for _, d := range dependents {
			if s, ok := r.Step(d); ok && p.skipLocked(s, fmt.Sprintf("critical step %s failed", id), id, now) {
				skipped = append(skipped, d)
			}
		}
		if r.Metadata.FailedStep == "" {
			r.Metadata.FailedStep = id
			r.Metadata.FailureReason = reason
		}
	})
	p.logger.Error("critical step failed, skipping dependents",
		zap.String("step_id", id),
		zap.Strings("skipped", skipped),
		zap.String("reason", reason))
	return err
}

// dependentsLocked returns every step that transitively depends on id,
// walking reverse edges breadth-first
func (p *Parallel) dependentsLocked(id string) []string {
	reverse := make(map[string][]string, len(p.deps))
	for s, deps := range p.deps {
		for _, d := range deps {
			reverse[d] = append(reverse[d], s)
		}
	}
	for _, children := range reverse {
		sort.Strings(children)
	}

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range reverse[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// deadlock fails a run whose pending steps can never become ready
func (p *Parallel) deadlock(ctx context.Context, pending int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stuck []string
	for _, s := range p.run.Steps() {
		if s.Status == run.StepPending {
			stuck = append(stuck, s.ID)
		}
	}
	p.logger.Error("dependency deadlock, no step can become ready",
		zap.Int("pending", pending),
		zap.Strings("steps", stuck),
		zap.String("code", string(types.ErrDependencyDeadlock)))

	return p.updateLocked(ctx, func(r *run.Run, now time.Time) {
		r.Status = run.StatusFailed
		r.EndedAt = &now
		r.Metadata.FailureReason = deadlockReason
		r.Error = fmt.Sprintf("[%s] pending steps %s", types.ErrDependencyDeadlock, strings.Join(stuck, ", "))
	})
}
