// Package dispatcher executes due scheduled tasks.
//
// One RunDue call fetches every task whose run_at has passed, invokes the
// registered handler for each in store order, then reschedules recurring
// tasks and deletes the rest. Handler failures are reported per task and
// never abort the batch; store failures abort the call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rockmundo/internal/eventbus"
	"rockmundo/internal/storage"
	"rockmundo/internal/task/registry"
	logx "rockmundo/pkg/logx"
)

// ErrUnknownHandler is recorded for tasks without a handler when unknown
// reporting is enabled.
var ErrUnknownHandler = errors.New("no handler registered for event type")

// Store is the subset of storage.Store the dispatcher needs.
type Store interface {
	FetchDue(ctx context.Context, now time.Time) ([]storage.Task, error)
	RescheduleTask(ctx context.Context, id int64, runAt, lastRun time.Time) error
	DeleteTask(ctx context.Context, id int64) error
}

// Recorder receives every executed or failed task before RunDue moves on,
// so outcomes cannot be lost to a full bus buffer.
type Recorder interface {
	Record(ctx context.Context, o eventbus.TaskOutcome)
}

// maxIntervalDays caps the interval used in date arithmetic. Larger
// intervals land past storage.MaxTime and are clamped there anyway.
const maxIntervalDays = 10000 * 366

// RescheduleFrom selects the base of the next run_at for recurring tasks.
type RescheduleFrom string

const (
	// FromDispatch sets next run_at = dispatch time + interval.
	FromDispatch RescheduleFrom = "dispatch"
	// FromRunAt advances the previous run_at by whole intervals until it is after the dispatch time.
	FromRunAt RescheduleFrom = "run_at"
)

// ParseRescheduleFrom maps a config value to a RescheduleFrom. Empty means FromDispatch.
func ParseRescheduleFrom(s string) (RescheduleFrom, error) {
	switch RescheduleFrom(s) {
	case "", FromDispatch:
		return FromDispatch, nil
	case FromRunAt:
		return FromRunAt, nil
	default:
		return "", fmt.Errorf("reschedule_from: unknown value %q (want dispatch|run_at)", s)
	}
}

type Dispatcher struct {
	store Store
	reg   *registry.Registry
	bus   eventbus.Bus
	rec   Recorder
	log   logx.Logger

	now            func() time.Time
	from           RescheduleFrom
	reportUnknown  bool
	handlerTimeout time.Duration

	// Unknown event types are often a whole batch of the same stale rows.
	unknownWarn *rate.Limiter

	mu sync.Mutex // serializes RunDue within the process
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithRescheduleFrom(from RescheduleFrom) Option {
	return func(d *Dispatcher) { d.from = from }
}

// WithReportUnknown records ErrUnknownHandler in the summary instead of skipping silently.
func WithReportUnknown(enabled bool) Option {
	return func(d *Dispatcher) { d.reportUnknown = enabled }
}

// WithHandlerTimeout bounds each handler call. 0 disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.handlerTimeout = d }
}

func WithBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.bus = b
		}
	}
}

// WithRecorder installs a synchronous outcome sink, e.g. the run history.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.rec = r }
}

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func New(store Store, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		reg:         reg,
		bus:         eventbus.Nop(),
		log:         logx.Nop(),
		now:         time.Now,
		from:        FromDispatch,
		unknownWarn: rate.NewLimiter(rate.Every(time.Minute), 3),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.String("comp", "dispatcher"))
	return d
}

// RunDue executes every due task once. On a store error the summary holds
// the tasks handled before the failure.
func (d *Dispatcher) RunDue(ctx context.Context) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	now := d.now().UTC()

	due, err := d.store.FetchDue(ctx, now)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch due tasks: %w", err)
	}

	sum := Summary{Executed: len(due), Details: make([]Result, 0, len(due))}
	var failed, skipped int
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		h, ok := d.reg.Lookup(t.EventType)
		if !ok {
			skipped++
			d.warnUnknown(t)
			d.report(ctx, eventbus.TaskSkipped, t, 0, nil, ErrUnknownHandler)
			if d.reportUnknown {
				sum.Details = append(sum.Details, Result{TaskID: t.ID, Err: fmt.Errorf("%w: %q", ErrUnknownHandler, t.EventType)})
			}
		} else {
			began := time.Now()
			out, herr := d.invoke(ctx, h, t)
			took := time.Since(began)
			if herr != nil {
				failed++
				d.log.Warn("task failed",
					logx.Int64("task_id", t.ID), logx.String("event_type", t.EventType),
					logx.Duration("took", took), logx.Err(herr))
				d.report(ctx, eventbus.TaskFailed, t, took, nil, herr)
				sum.Details = append(sum.Details, Result{TaskID: t.ID, Err: herr})
			} else {
				d.log.Debug("task executed",
					logx.Int64("task_id", t.ID), logx.String("event_type", t.EventType), logx.Duration("took", took))
				d.report(ctx, eventbus.TaskExecuted, t, took, out, nil)
				sum.Details = append(sum.Details, Result{TaskID: t.ID, Result: out})
			}
		}

		if err := d.dispose(ctx, t, now); err != nil {
			return sum, err
		}
	}

	took := time.Since(start)
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchCompleted, Data: eventbus.DispatchSummary{
		Executed: sum.Executed, Failed: failed, Skipped: skipped, Took: took,
	}})
	if sum.Executed > 0 {
		d.log.Info("due tasks dispatched",
			logx.Int("executed", sum.Executed), logx.Int("failed", failed),
			logx.Int("skipped", skipped), logx.Duration("took", took))
	}
	return sum, nil
}

// invoke runs one handler and converts panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, h registry.Handler, t storage.Task) (out any, err error) {
	runCtx := ctx
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
			d.log.Error("task.panic",
				logx.Int64("task_id", t.ID), logx.String("event_type", t.EventType),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(runCtx, registry.Params(t.Params))
}

func (d *Dispatcher) dispose(ctx context.Context, t storage.Task, now time.Time) error {
	if t.Recurring && t.IntervalDays > 0 {
		next := NextRunAt(t.RunAt, now, t.IntervalDays, d.from)
		if next.After(storage.MaxTime) {
			d.log.Warn("next run past storable range; clamped",
				logx.Int64("task_id", t.ID), logx.Int("interval_days", t.IntervalDays))
			next = storage.MaxTime
		}
		if err := d.store.RescheduleTask(ctx, t.ID, next, now); err != nil {
			return fmt.Errorf("reschedule task %d: %w", t.ID, err)
		}
		return nil
	}
	if err := d.store.DeleteTask(ctx, t.ID); err != nil {
		return fmt.Errorf("delete task %d: %w", t.ID, err)
	}
	return nil
}

// NextRunAt computes the next run_at of a recurring task dispatched at now.
// The result may exceed storage.MaxTime for very long intervals.
func NextRunAt(prev, now time.Time, intervalDays int, from RescheduleFrom) time.Time {
	now = now.UTC()
	intervalDays = min(intervalDays, maxIntervalDays)
	if from != FromRunAt || prev.IsZero() {
		return now.AddDate(0, 0, intervalDays)
	}
	next := prev.UTC().AddDate(0, 0, intervalDays)
	if next.After(now) {
		return next
	}
	// Skip missed occurrences instead of replaying them one per dispatch.
	// Whole days via Unix seconds; time.Duration saturates past ~292 years.
	days := (now.Unix() - next.Unix()) / 86400
	next = next.AddDate(0, 0, int(days/int64(intervalDays)+1)*intervalDays)
	for !next.After(now) {
		next = next.AddDate(0, 0, intervalDays)
	}
	return next
}

func (d *Dispatcher) warnUnknown(t storage.Task) {
	if d.reportUnknown {
		return
	}
	if d.unknownWarn.Allow() {
		d.log.Debug("task skipped: no handler",
			logx.Int64("task_id", t.ID), logx.String("event_type", t.EventType))
	}
}

// report publishes a task outcome and hands executed or failed ones to the recorder.
func (d *Dispatcher) report(ctx context.Context, typ string, t storage.Task, took time.Duration, out any, err error) {
	o := eventbus.TaskOutcome{
		TaskID: t.ID, EventType: t.EventType, At: d.now().UTC(), Took: took, Result: out, Err: err,
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: o.At, Data: o})
	if d.rec != nil && typ != eventbus.TaskSkipped {
		d.rec.Record(ctx, o)
	}
}
