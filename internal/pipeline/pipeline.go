package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// JobKind names what a job carries.
type JobKind string

const (
	JobImage JobKind = "image" // one image inside a detection request
	JobPhoto JobKind = "photo" // one photo inside a gateway batch
)

// ErrStopped is returned for jobs that could not run because the pipeline shut down.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single unit of work.
type Job struct {
	ID      string
	Kind    JobKind
	Ref     string
	Payload any
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job            `json:"job"`
	Value    any            `json:"value,omitempty"`
	Error    error          `json:"-"`
	Meta     map[string]any `json:"meta,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

type task struct {
	ctx   context.Context
	pos   int
	job   Job
	reply chan<- indexed
}

type indexed struct {
	pos int
	res Result
}

// Pipeline is a fixed pool of workers shared by all callers, so the number
// of in-flight jobs never exceeds its concurrency.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan task
	done      chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New starts concurrency workers running processor.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan task, queueSize),
		done:      make(chan struct{}),
		cancel:    cancel,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Run processes jobs on the pool and returns their results in input order.
// Jobs not yet started when ctx ends complete with ctx's error.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	reply := make(chan indexed, len(jobs))

	queued := 0
enqueue:
	for i, job := range jobs {
		select {
		case p.jobs <- task{ctx: ctx, pos: i, job: job, reply: reply}:
			queued++
		case <-ctx.Done():
			for j := i; j < len(jobs); j++ {
				results[j] = Result{Job: jobs[j], Error: ctx.Err()}
			}
			break enqueue
		case <-p.done:
			for j := i; j < len(jobs); j++ {
				results[j] = Result{Job: jobs[j], Error: ErrStopped}
			}
			break enqueue
		}
	}

	seen := make([]bool, len(jobs))
	for received := 0; received < queued; received++ {
		select {
		case r := <-reply:
			results[r.pos] = r.res
			seen[r.pos] = true
		case <-p.done:
			for i := 0; i < queued; i++ {
				if !seen[i] {
					results[i] = Result{Job: jobs[i], Error: ErrStopped}
				}
			}
			return results
		}
	}
	return results
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.done)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.jobs:
			res := p.run(t)
			t.reply <- indexed{pos: t.pos, res: res}
			p.broadcast(res)
		}
	}
}

func (p *Pipeline) run(t task) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Job: t.job, Error: errors.New("job panicked")}
			p.log.Error("job panicked", "job", t.job.ID, "panic", rec)
		}
		res.Job = t.job
		res.Duration = time.Since(start)
	}()

	if err := t.ctx.Err(); err != nil {
		return Result{Error: err}
	}

	p.log.Debug("job started", "kind", string(t.job.Kind), "id", t.job.ID, "ref", t.job.Ref)
	res = p.processor.Process(t.ctx, t.job)
	if res.Error != nil {
		p.log.Warn("job failed",
			"kind", string(t.job.Kind),
			"id", t.job.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", res.Error.Error(),
		)
	} else {
		p.log.Debug("job completed",
			"kind", string(t.job.Kind),
			"id", t.job.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"meta", res.Meta,
		)
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
