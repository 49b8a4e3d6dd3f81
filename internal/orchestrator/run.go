package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/stream"
	"github.com/rivalwatch/pkg/logger"
)

// run is one live stream bound to one monitor. monitorID may be rekeyed and
// is only read under o.mu.
type run struct {
	monitorID string
	taskID    string
	ch        *stream.Channel
	log       *logger.Logger
	done      chan struct{}
	err       error
}

// startRun opens the task's channel and makes it the live stream. Callers
// hold o.ops and have stopped the previous stream.
func (o *Orchestrator) startRun(ctx context.Context, monitorID, taskID string) error {
	ch, err := stream.Open(ctx, o.streamer, taskID, o.streamOp)
	if err != nil {
		o.mu.Lock()
		o.states[monitorID] = StateSettled
		o.mu.Unlock()
		o.log.Error().Err(err).Str("monitor_id", monitorID).Str("task_id", taskID).Msg("Event stream unavailable")
		return o.observe(ctx, err)
	}

	r := &run{
		monitorID: monitorID,
		taskID:    taskID,
		ch:        ch,
		log:       o.log.WithMonitor(monitorID).WithTask(taskID),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.active = r
	o.last = r
	o.states[monitorID] = StateStreaming
	o.mu.Unlock()

	r.log.Info().Msg("Streaming analysis events")
	go o.consume(r)
	return nil
}

// stopActive cancels the live stream, settling its monitor with whatever it
// had merged. Callers hold o.ops.
func (o *Orchestrator) stopActive() *run {
	o.mu.Lock()
	r := o.active
	if r != nil {
		o.active = nil
		o.states[r.monitorID] = StateSettled
	}
	o.mu.Unlock()

	if r == nil {
		return nil
	}
	// merges check o.active under o.mu, so nothing from r lands after this point
	r.ch.Cancel()
	r.log.Info().Msg("Event stream cancelled")
	return r
}

// consume feeds one run's events into the reconciler until the run settles
func (o *Orchestrator) consume(r *run) {
	defer close(r.done)
	// releases the connection on every exit, including stalls and read errors
	defer r.ch.Cancel()
	ctx := context.Background()

	for {
		ev, err := r.ch.Next(ctx)
		if err != nil {
			o.settle(ctx, r, "", o.streamEnd(ctx, r, err))
			return
		}

		switch e := ev.(type) {
		case events.StageEvent:
			o.merge(ctx, r, func(monitorID string) {
				o.rec.Apply(monitorID, r.taskID, e)
			})

		case events.StatusEvent:
			if !o.progress(r, e) {
				continue
			}
			switch {
			case e.Completed():
				if e.Data != nil {
					o.merge(ctx, r, func(monitorID string) {
						o.rec.ApplyContext(monitorID, r.taskID, e.Data)
					})
				}
				o.settle(ctx, r, models.TaskStatusCompleted, nil)
				r.ch.Cancel()
				return

			case e.Failed():
				msg := e.Message
				if msg == "" {
					msg = "analysis failed"
				}
				o.settle(ctx, r, models.TaskStatusFailed, &TaskFailedError{TaskID: r.taskID, Message: msg})
				r.ch.Cancel()
				return
			}
		}
	}
}

// merge applies fn only while r is still the live run. The check and the
// merge happen under one lock so a cancelled run can never merge.
func (o *Orchestrator) merge(ctx context.Context, r *run, fn func(monitorID string)) bool {
	o.mu.Lock()
	if o.active != r {
		o.mu.Unlock()
		r.log.Debug().Msg("Discarding event from superseded run")
		return false
	}
	monitorID := r.monitorID
	fn(monitorID)
	o.mu.Unlock()

	o.persistSnapshot(ctx, monitorID)
	o.notifySnapshot(monitorID)
	return true
}

// progress records a status event's progress and reports whether r is live
func (o *Orchestrator) progress(r *run, e events.StatusEvent) bool {
	o.mu.Lock()
	if o.active != r {
		o.mu.Unlock()
		return false
	}
	monitorID := r.monitorID
	if e.Progress != nil {
		p := percent(*e.Progress)
		o.updateLocked(monitorID, func(m *models.Monitor) {
			if m.LatestTaskID == r.taskID && p > m.LatestTaskProgress {
				m.LatestTaskProgress = p
			}
		})
	}
	o.mu.Unlock()

	r.log.Debug().Str("stage", e.Stage).Str("message", e.Message).Msg("Status event")
	if o.onStatus != nil {
		o.onStatus(monitorID, e)
	}
	return true
}

// streamEnd maps the reason Next stopped to the run's outcome
func (o *Orchestrator) streamEnd(ctx context.Context, r *run, err error) error {
	switch {
	case errors.Is(err, stream.ErrCancelled):
		return nil
	case errors.Is(err, io.EOF):
		if cause := r.ch.Err(); cause != nil {
			return o.observe(ctx, fmt.Errorf("event stream for task %s: %w", r.taskID, cause))
		}
		r.log.Warn().Msg("Event stream closed before the run settled")
		return nil
	}
	return fmt.Errorf("event stream for task %s: %w", r.taskID, err)
}

// settle ends a run. Data already merged is kept.
func (o *Orchestrator) settle(ctx context.Context, r *run, status models.TaskStatus, err error) {
	o.mu.Lock()
	r.err = err
	live := o.active == r
	if live {
		o.active = nil
		o.states[r.monitorID] = StateSettled
		o.updateLocked(r.monitorID, func(m *models.Monitor) {
			if m.LatestTaskID != r.taskID || status == "" {
				return
			}
			m.LatestTaskStatus = status
			if status == models.TaskStatusCompleted {
				m.LatestTaskProgress = 100
			}
		})
	}
	o.mu.Unlock()

	if !live {
		return
	}
	o.persistMonitors(ctx)

	switch {
	case err != nil:
		r.log.Error().Err(err).Msg("Analysis run ended with error")
	case status != "":
		r.log.Info().Str("status", string(status)).Msg("Analysis run settled")
	default:
		r.log.Info().Msg("Analysis run settled")
	}
}
