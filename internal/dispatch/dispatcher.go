package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"synapse/internal/events"
)

// ErrStopped rejects submissions after the dispatcher has shut down.
var ErrStopped = errors.New("dispatcher stopped")

// Handler processes one dequeued message. A returned error marks the message
// failed in the statistics; the dispatcher never retries on its own — retry
// policy belongs to the handler.
type Handler func(ctx context.Context, msg Message) error

// Options tunes the dispatcher. Zero values are replaced by defaults.
type Options struct {
	// StarvationLimit is the number of consecutive consciousness-class
	// dispatches after which one lower-class message is force-dequeued.
	StarvationLimit int

	// DrainTimeout bounds handler work for messages still queued at
	// shutdown.
	DrainTimeout time.Duration
}

// DefaultOptions returns the dispatcher defaults.
func DefaultOptions() Options {
	return Options{
		StarvationLimit: 10,
		DrainTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.StarvationLimit <= 0 {
		o.StarvationLimit = def.StarvationLimit
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	return o
}

type queued struct {
	msg     Message
	handler Handler
}

// Dispatcher maintains one FIFO queue per priority class and drains them in
// strict priority order. Submission is non-blocking; a single drain loop
// invokes handlers, which preserves FIFO order within every class.
type Dispatcher struct {
	mu         sync.Mutex
	opts       Options
	classifier Classifier
	queues     map[Class][]queued
	closed     bool

	// consecutive counts uninterrupted consciousness-class dispatches. It is
	// read and reset under mu, atomically with dequeue selection, so two
	// drains can never both believe they owe a forced lower-class dequeue.
	consecutive int

	totalProcessed uint64
	prioritized    uint64
	failed         uint64
	perClass       map[Class]uint64
	latencyTotal   time.Duration
	latencyCount   uint64

	bus *events.Bus
	log *zap.Logger

	notify chan struct{}
}

// New creates a dispatcher with empty queues. Run must be started for
// messages to be processed.
func New(opts Options, classifier Classifier, bus *events.Bus, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		opts:       opts.withDefaults(),
		classifier: classifier,
		queues:     make(map[Class][]queued),
		perClass:   make(map[Class]uint64),
		bus:        bus,
		log:        log,
		notify:     make(chan struct{}, 1),
	}
}

// Submit classifies the message, assigns its id and enqueue timestamp, and
// places it on the queue for its class. Returns immediately; the handler is
// invoked later by the drain loop.
func (d *Dispatcher) Submit(msg Message, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.EnqueuedAt = time.Now()
	msg.Class = d.classifier.Classify(msg)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStopped
	}
	d.queues[msg.Class] = append(d.queues[msg.Class], queued{msg: msg, handler: handler})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the queues until ctx is cancelled, then processes whatever is
// still queued under the drain timeout before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		item, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				d.drain()
				return ctx.Err()
			case <-d.notify:
				continue
			}
		}
		d.dispatch(ctx, item)

		// Shutdown between dispatches is also honored.
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		default:
		}
	}
}

// next selects the next message under strict priority, applying the
// anti-starvation tie-break: after StarvationLimit consecutive
// consciousness-class dispatches, the highest non-empty lower class gets one
// forced dequeue.
func (d *Dispatcher) next() (queued, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.consecutive >= d.opts.StarvationLimit {
		for _, class := range drainOrder[1:] {
			if item, ok := d.popLocked(class); ok {
				d.consecutive = 0
				return item, true
			}
		}
		// No lower-class work pending; strict priority resumes.
	}

	for _, class := range drainOrder {
		item, ok := d.popLocked(class)
		if !ok {
			continue
		}
		if class == ClassConsciousness {
			d.consecutive++
		} else {
			d.consecutive = 0
		}
		return item, true
	}
	return queued{}, false
}

func (d *Dispatcher) popLocked(class Class) (queued, bool) {
	q := d.queues[class]
	if len(q) == 0 {
		return queued{}, false
	}
	item := q[0]
	d.queues[class] = q[1:]
	return item, true
}

// dispatch invokes the handler and records the outcome. Handler failures are
// counted and logged, never retried.
func (d *Dispatcher) dispatch(ctx context.Context, item queued) {
	d.emit(events.Event{
		Kind:     events.KindMessagePrioritized,
		ModuleID: item.msg.ModuleID,
		Class:    item.msg.Class.String(),
	})

	start := time.Now()
	err := item.handler(ctx, item.msg)
	elapsed := time.Since(start)

	d.mu.Lock()
	d.totalProcessed++
	d.perClass[item.msg.Class]++
	if item.msg.Class == ClassConsciousness || item.msg.Class == ClassHigh {
		d.prioritized++
	}
	if err != nil {
		d.failed++
	}
	if item.msg.Class == ClassConsciousness {
		d.latencyTotal += elapsed
		d.latencyCount++
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Warn("handler failed",
			zap.String("message", item.msg.ID),
			zap.String("type", item.msg.Type),
			zap.String("class", item.msg.Class.String()),
			zap.Error(err))
	}
	if item.msg.Class == ClassConsciousness {
		d.emit(events.Event{
			Kind:     events.KindConsciousnessProcessed,
			ModuleID: item.msg.ModuleID,
			Class:    item.msg.Class.String(),
			Latency:  elapsed,
		})
	}
}

// drain refuses new submissions and processes everything still queued, each
// handler bounded by the drain timeout.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DrainTimeout)
	defer cancel()
	for {
		item, ok := d.next()
		if !ok {
			return
		}
		d.dispatch(ctx, item)
	}
}

// Stats is a read-only snapshot of dispatcher throughput.
type Stats struct {
	TotalProcessed          uint64
	PrioritizedMessages     uint64
	PrioritizationRate      float64
	FailedMessages          uint64
	QueueLengths            map[string]int
	AvgConsciousnessLatency time.Duration
}

// Stats returns current counters and queue depths. Polling never mutates
// dispatcher state.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TotalProcessed:      d.totalProcessed,
		PrioritizedMessages: d.prioritized,
		FailedMessages:      d.failed,
		QueueLengths:        make(map[string]int, len(drainOrder)),
	}
	for _, class := range drainOrder {
		stats.QueueLengths[class.String()] = len(d.queues[class])
	}
	if d.totalProcessed > 0 {
		stats.PrioritizationRate = float64(d.prioritized) / float64(d.totalProcessed) * 100
	}
	if d.latencyCount > 0 {
		stats.AvgConsciousnessLatency = d.latencyTotal / time.Duration(d.latencyCount)
	}
	return stats
}

// SetStarvationLimit replaces the anti-starvation threshold at runtime.
func (d *Dispatcher) SetStarvationLimit(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.opts.StarvationLimit = n
	d.mu.Unlock()
}

func (d *Dispatcher) emit(ev events.Event) {
	if d.bus != nil {
		d.bus.Emit(ev)
	}
}
