// Package history persists one run record per dispatched task.
//
// The dispatcher calls the recorder for every executed or failed task
// before it moves to the next one, so a large batch cannot outrun it.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"rockmundo/internal/eventbus"
	"rockmundo/internal/storage"
	logx "rockmundo/pkg/logx"
)

const writeTimeout = 5 * time.Second

// Appender is the write side of storage.Store.
type Appender interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

type Recorder struct {
	store Appender
	log   logx.Logger
}

func New(store Appender, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log.With(logx.String("comp", "history"))}
}

// Record appends one RunRecord for o. Failures are logged, never returned:
// history must not abort a dispatch.
func (r *Recorder) Record(ctx context.Context, o eventbus.TaskOutcome) {
	// Writes outlive cancellation so a run that happened is not left unrecorded.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := storage.RunRecord{
		RunID:     uuid.NewString(),
		TaskID:    o.TaskID,
		EventType: o.EventType,
		At:        at,
		TookMS:    o.Took.Milliseconds(),
		OK:        o.Err == nil,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if o.Result != nil {
		if b, err := json.Marshal(o.Result); err == nil {
			rec.Result = b
		} else {
			r.log.Debug("run result not serializable", logx.Int64("task_id", o.TaskID), logx.Err(err))
		}
	}
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.log.Warn("append run failed", logx.Int64("task_id", o.TaskID), logx.Err(err))
	}
}
