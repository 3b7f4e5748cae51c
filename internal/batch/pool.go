package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/Faultbox/blastgo/pkg/blast"
)

// ErrPoolStopped is returned by Run after Stop.
var ErrPoolStopped = errors.New("pool is stopped")

// Job is one damage application to one actor.
type Job struct {
	Family int
	Actor  blast.ActorHandle
	Damage []blast.DamageDesc
	Params blast.EvalParams

	// Fracture, when set, is applied as is and Damage is not evaluated.
	// Stress fractures arrive this way.
	Fracture *blast.FractureBuffer

	// MaxNewActors is the first split capacity tried. Zero means whatever
	// the split needs. A cap below what the split needs is raised to the
	// required capacity and the split is retried.
	MaxNewActors int
}

// Result is the outcome of a Job. Err is set when the job failed; earlier
// stages that succeeded are still reported.
type Result struct {
	Fracture *blast.FractureBuffer
	Applied  blast.ApplyResult
	Split    blast.SplitEvent
	Timers   blast.Timers
	Err      error

	// SplitCapacity is the capacity the split ran with.
	SplitCapacity int
}

// task is the unit of work handed to a worker: every job of one family.
type task struct {
	ctx     context.Context
	family  int
	jobs    []int
	all     []Job
	results []Result
	done    chan<- struct{}
}

// Pool runs jobs on persistent workers.
type Pool struct {
	scene      *Scene
	numWorkers int

	workChan chan *task
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	stopped  bool

	runMu sync.Mutex
}

// NewPool creates a pool over scene. workers <= 0 means GOMAXPROCS.
func NewPool(scene *Scene, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{scene: scene, numWorkers: workers}
}

// Workers returns the worker count.
func (p *Pool) Workers() int {
	return p.numWorkers
}

func (p *Pool) startWorkers() {
	if p.running {
		return
	}
	p.workChan = make(chan *task, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop signals all workers to exit and waits for them. The pool cannot be
// used afterwards.
func (p *Pool) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.stopped = true
	if !p.running {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	p.running = false
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case t, ok := <-p.workChan:
			if !ok {
				return
			}
			p.runTask(t)
			t.done <- struct{}{}
		}
	}
}

// Run executes jobs and returns one result per job, in job order. Jobs for
// the same family run in the order given. If ctx is canceled, jobs that had
// not started report ctx's error and Run returns it.
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	p.startWorkers()

	results := make([]Result, len(jobs))
	var tasks []*task
	byFamily := make(map[int]*task)
	// Sized for every job so workers never block reporting completion.
	done := make(chan struct{}, len(jobs))
	for i, j := range jobs {
		t, ok := byFamily[j.Family]
		if !ok {
			t = &task{ctx: ctx, family: j.Family, all: jobs, results: results, done: done}
			byFamily[j.Family] = t
			tasks = append(tasks, t)
		}
		t.jobs = append(t.jobs, i)
	}

	sent := 0
	var sendErr error
send:
	for _, t := range tasks {
		select {
		case p.workChan <- t:
			sent++
		case <-ctx.Done():
			sendErr = ctx.Err()
			break send
		}
	}
	for i := 0; i < sent; i++ {
		<-done
	}

	if sendErr != nil {
		for _, t := range tasks[sent:] {
			for _, i := range t.jobs {
				results[i].Err = sendErr
			}
		}
		return results, sendErr
	}
	return results, ctx.Err()
}

func (p *Pool) runTask(t *task) {
	sf, err := p.scene.get(t.family)
	if err != nil {
		for _, i := range t.jobs {
			t.results[i].Err = err
		}
		return
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, i := range t.jobs {
		if err := t.ctx.Err(); err != nil {
			t.results[i].Err = err
			continue
		}
		t.results[i] = sf.run(t.ctx, t.all[i])
	}
}

// run evaluates, applies and splits one job. The caller holds sf.mu.
func (sf *sceneFamily) run(ctx context.Context, j Job) Result {
	var res Result
	sf.family.SetTimers(&res.Timers)
	defer sf.family.SetTimers(nil)

	buf, err := j.Fracture, error(nil)
	if buf == nil {
		if buf, err = sf.family.Evaluate(j.Actor, j.Damage, j.Params); err != nil {
			res.Err = fmt.Errorf("evaluate: %w", err)
			return res
		}
	}
	res.Fracture = buf
	if buf.Empty() {
		return res
	}

	res.Applied, err = sf.family.Apply(j.Actor, buf)
	if err != nil {
		res.Err = fmt.Errorf("apply: %w", err)
		return res
	}
	if sf.recorder != nil {
		if err := sf.recorder.RecordFracture(ctx, j.Actor, buf); err != nil {
			res.Err = fmt.Errorf("record fracture: %w", err)
			return res
		}
	}
	if !res.Applied.Changed() {
		return res
	}

	maxNew := j.MaxNewActors
	if maxNew <= 0 {
		if maxNew, err = sf.family.RequiredSplitCapacity(j.Actor); err != nil {
			res.Err = fmt.Errorf("split capacity: %w", err)
			return res
		}
	}
	scratch, err := sf.splitScratch(j.Actor)
	if err != nil {
		res.Err = fmt.Errorf("split: %w", err)
		return res
	}
	res.Split, err = sf.family.Split(j.Actor, maxNew, scratch)
	if errors.Is(err, blast.ErrTooManyFragments) {
		// Split refuses before touching the family, so the retry sees the
		// same state.
		if maxNew, err = sf.family.RequiredSplitCapacity(j.Actor); err != nil {
			res.Err = fmt.Errorf("split capacity: %w", err)
			return res
		}
		res.Split, err = sf.family.Split(j.Actor, maxNew, scratch)
	}
	if err != nil {
		res.Err = fmt.Errorf("split: %w", err)
		return res
	}
	res.SplitCapacity = maxNew
	if sf.recorder != nil {
		if err := sf.recorder.RecordSplit(ctx, j.Actor, maxNew, res.Split); err != nil {
			res.Err = fmt.Errorf("record split: %w", err)
		}
	}
	return res
}
