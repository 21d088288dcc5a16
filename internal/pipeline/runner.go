package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/sink"
)

type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
}

// Task is one closed correlation group awaiting analysis.
type Task struct {
	Group  *event.CorrelationGroup
	Events []*event.CanonicalEvent
}

// PolicySource resolves the analysis policy for a camera.
type PolicySource interface {
	Get(cameraID string) event.AnalysisPolicy
}

// Acquirer turns an event into an analyzable frame set.
type Acquirer interface {
	Acquire(ctx context.Context, ev *event.CanonicalEvent, policy event.AnalysisPolicy) (*frames.Acquisition, error)
}

// Analyzer runs the AI description state machine over a frame set.
type Analyzer interface {
	Analyze(ctx context.Context, fs *event.FrameSet, asset *event.ClipAsset, policy event.AnalysisPolicy) *event.AnalysisResult
}

// Runner drains closed groups through acquisition, analysis and the result
// sink on a fixed worker pool. The bounded queue is the pipeline's
// backpressure point: a full queue blocks group closure upstream rather
// than dropping a group on the floor.
type Runner struct {
	cfg      Config
	policies PolicySource
	frames   Acquirer
	analyzer Analyzer
	out      sink.Sink

	jobQueue chan Task
	quit     chan struct{}
	wg       sync.WaitGroup

	processedTotal int64
	fatalTotal     int64
}

func NewRunner(cfg Config, policies PolicySource, acq Acquirer, analyzer Analyzer, out sink.Sink) *Runner {
	cfg.normalize()
	return &Runner{
		cfg:      cfg,
		policies: policies,
		frames:   acq,
		analyzer: analyzer,
		out:      out,
		jobQueue: make(chan Task, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

func (r *Runner) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	log.Printf("[Pipeline] Started %d workers, queue %d", r.cfg.Workers, r.cfg.QueueSize)
}

// Stop drains queued tasks, then waits for in-flight work.
func (r *Runner) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Submit enqueues a closed group. Blocks while the queue is full; returns
// false only during shutdown.
func (r *Runner) Submit(group *event.CorrelationGroup, events []*event.CanonicalEvent) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.jobQueue <- Task{Group: group, Events: events}:
		metrics.WorkerQueueDepth.Set(float64(len(r.jobQueue)))
		return true
	case <-r.quit:
		return false
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.jobQueue:
			metrics.WorkerQueueDepth.Set(float64(len(r.jobQueue)))
			r.runTask(task)
		case <-r.quit:
			// Drain whatever is already queued before exiting
			for {
				select {
				case task := <-r.jobQueue:
					r.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask isolates panics so one poisoned group cannot take a worker down.
func (r *Runner) runTask(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			atomic.AddInt64(&r.fatalTotal, 1)
			metrics.TasksFatalTotal.Inc()
			log.Printf("[ERROR] Pipeline: Panic processing group %s: %v", task.Group.GroupID, rec)
		}
	}()

	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TaskTimeout)
	defer cancel()

	res := r.process(ctx, task)
	if err := r.out.Emit(ctx, res); err != nil {
		log.Printf("[ERROR] Pipeline: Emit failed for event %s: %v", res.EventID, err)
	}
	atomic.AddInt64(&r.processedTotal, 1)
}

// process analyzes the group's representative event. Linked events ride
// along in the result through the group id.
func (r *Runner) process(ctx context.Context, task Task) *event.AnalysisResult {
	rep := representative(task)
	if rep == nil {
		log.Printf("[ERROR] Pipeline: Group %s has no member events", task.Group.GroupID)
		return &event.AnalysisResult{
			GroupID:     task.Group.GroupID,
			Status:      event.StatusUnavailable,
			CompletedAt: time.Now().UTC(),
		}
	}
	policy := r.policies.Get(rep.CameraID)

	acq, err := r.frames.Acquire(ctx, rep, policy)
	if err != nil {
		res := &event.AnalysisResult{
			EventID:     rep.EventID,
			Status:      event.StatusUnavailable,
			CompletedAt: time.Now().UTC(),
		}
		if acq != nil {
			res.Fallbacks = acq.Fallbacks
		}
		r.stamp(res, task, rep)
		log.Printf("[Pipeline] No frames for event %s: %v", rep.EventID, err)
		return res
	}

	res := r.analyzer.Analyze(ctx, acq.FrameSet, acq.Asset, policy)
	// Acquisition degradations come first in the chain, analysis ones after
	res.Fallbacks = append(acq.Fallbacks, res.Fallbacks...)
	r.stamp(res, task, rep)
	return res
}

func (r *Runner) stamp(res *event.AnalysisResult, task Task, rep *event.CanonicalEvent) {
	res.GroupID = task.Group.GroupID
	res.CameraID = rep.CameraID
	res.ClipRef = rep.ClipRef
	res.SnapshotRef = rep.SnapshotRef
}

// representative resolves the group's representative event id against the
// member events, falling back to the first member.
func representative(task Task) *event.CanonicalEvent {
	for _, ev := range task.Events {
		if ev.EventID == task.Group.Representative {
			return ev
		}
	}
	if len(task.Events) > 0 {
		return task.Events[0]
	}
	return nil
}

// Stats returns runner counters for the health endpoint.
func (r *Runner) Stats() (processed, fatal int64, queued int) {
	return atomic.LoadInt64(&r.processedTotal),
		atomic.LoadInt64(&r.fatalTotal),
		len(r.jobQueue)
}
