// Package orchestrator coordinates monitors, their analysis runs and the one
// live event stream. It owns the current-monitor pointer and the active
// channel; every other component reaches them through its methods.
package orchestrator

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/backend"
	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/reconcile"
	"github.com/rivalwatch/internal/storage"
	"github.com/rivalwatch/internal/stream"
	"github.com/rivalwatch/pkg/logger"
)

// Backend is the analysis backend as the orchestrator uses it
type Backend interface {
	ListMonitors(ctx context.Context) ([]models.Monitor, error)
	CreateMonitor(ctx context.Context, monitorURL, name string) (*models.Monitor, error)
	RenameMonitor(ctx context.Context, id, name string) (*models.Monitor, error)
	DeleteMonitor(ctx context.Context, id string) error

	StartAnalysis(ctx context.Context, req backend.AnalyzeRequest) (*backend.AnalyzeResponse, error)
	TaskStatus(ctx context.Context, taskID string) (*models.Task, error)
	TaskEvents(ctx context.Context, taskID string) ([]events.Event, error)

	TrackCompetitor(ctx context.Context, competitorID string, req backend.TrackRequest) (*backend.TrackResult, error)
	UntrackCompetitor(ctx context.Context, monitorID, competitorID string) ([]string, error)

	MarkChangeRead(ctx context.Context, changeID string) (*time.Time, error)
	MarkChangesRead(ctx context.Context, monitorID string, changeIDs []string) (int, error)

	ListArchives(ctx context.Context) ([]models.Archive, error)
	CreateArchive(ctx context.Context, req backend.ArchiveRequest) (*models.Archive, error)
}

// State is a monitor's position in the run lifecycle
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateSettled   State = "settled"
)

const pendingPrefix = "pending-"

// Options configures an Orchestrator
type Options struct {
	Backend  Backend
	Streamer stream.Dialer
	Store    storage.Repository // optional local working store
	Analysis config.AnalysisConfig
	Stream   stream.Options
	MaxPeers int
	Log      *logger.Logger

	// OnSnapshot is called after every merge into a monitor's working copy
	OnSnapshot func(monitorID string, w *models.WorkingCopy)
	// OnStatus is called for every status event of the live run
	OnStatus func(monitorID string, ev events.StatusEvent)
}

// Orchestrator is the session's single coordinator. Construct one per session
// and call Close when done.
type Orchestrator struct {
	backend  Backend
	streamer stream.Dialer
	store    storage.Repository
	rec      *reconcile.Reconciler
	analysis config.AnalysisConfig
	streamOp stream.Options
	log      *logger.Logger

	onSnapshot func(string, *models.WorkingCopy)
	onStatus   func(string, events.StatusEvent)

	loads singleflight.Group

	// ops serializes operations that may replace the active channel
	ops sync.Mutex

	mu        sync.Mutex
	monitors  []models.Monitor
	states    map[string]State
	current   string
	hasAccess bool
	renaming  map[string]int
	active    *run
	last      *run

	now func() time.Time
}

// New creates an orchestrator. It does no I/O; call Restore to load the
// local working store.
func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	if opts.Stream.Log == nil {
		opts.Stream.Log = log
	}

	return &Orchestrator{
		backend:    opts.Backend,
		streamer:   opts.Streamer,
		store:      opts.Store,
		rec:        reconcile.New(opts.MaxPeers),
		analysis:   opts.Analysis,
		streamOp:   opts.Stream,
		log:        log.WithComponent("orchestrator"),
		onSnapshot: opts.OnSnapshot,
		onStatus:   opts.OnStatus,
		states:     make(map[string]State),
		hasAccess:  true,
		renaming:   make(map[string]int),
		now:        time.Now,
	}
}

// Restore loads monitors, working copies, read markers and the current
// monitor from the local working store
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	monitors, err := o.store.ListMonitors(ctx)
	if err != nil {
		return err
	}
	snapshots, err := o.store.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	markers, err := o.store.GetReadMarkers(ctx)
	if err != nil {
		return err
	}
	current, err := o.store.GetSetting(ctx, storage.SettingCurrentMonitor)
	if err != nil {
		return err
	}
	access, err := o.store.GetSetting(ctx, storage.SettingHasAccess)
	if err != nil {
		return err
	}

	o.rec.Restore(snapshots, markers)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.monitors = monitors
	for _, m := range monitors {
		o.states[m.ID] = StateIdle
		if m.LatestTaskID != "" {
			o.states[m.ID] = StateSettled
		}
	}
	if o.indexOf(current) >= 0 {
		o.current = current
	}
	o.hasAccess = access != "false"

	o.log.Debug().
		Int("monitors", len(monitors)).
		Int("snapshots", len(snapshots)).
		Int("read_markers", len(markers)).
		Msg("Restored working store")
	return nil
}

// Cancel stops following the live run, if any, and reports whether there was
// one. The run settles with whatever it merged so far; the task itself keeps
// going on the server.
func (o *Orchestrator) Cancel() bool {
	o.ops.Lock()
	defer o.ops.Unlock()

	r := o.stopActive()
	if r == nil {
		return false
	}
	<-r.done
	o.persistMonitors(context.Background())
	return true
}

// Close cancels the live stream and waits for its consumer to exit
func (o *Orchestrator) Close() {
	o.Cancel()
}

// LoadMonitors fetches the monitor list. Concurrent callers share one
// request. Monitors created locally and not yet confirmed are kept, as are
// names with a rename still in flight.
func (o *Orchestrator) LoadMonitors(ctx context.Context) ([]models.Monitor, error) {
	_, err, shared := o.loads.Do("monitors", func() (any, error) {
		list, err := o.backend.ListMonitors(context.WithoutCancel(ctx))
		if err != nil {
			return nil, o.observe(ctx, err)
		}
		o.adopt(ctx, list)
		return nil, nil
	})
	if shared {
		o.log.Debug().Msg("Joined in-flight monitor load")
	}
	if err != nil {
		return nil, err
	}
	return o.Monitors(), nil
}

// adopt installs a server monitor list
func (o *Orchestrator) adopt(ctx context.Context, list []models.Monitor) {
	var rekeyed []string

	o.mu.Lock()
	next := make([]models.Monitor, 0, len(list))
	byURL := make(map[string]string, len(list))
	for _, m := range list {
		m = m.Clone()
		m.NameProvenance = models.ProvenanceConfirmed
		if o.renaming[m.ID] > 0 {
			if i := o.indexOf(m.ID); i >= 0 {
				m.Name = o.monitors[i].Name
				m.NameProvenance = models.ProvenanceOptimistic
			}
		}
		if _, ok := o.states[m.ID]; !ok {
			o.states[m.ID] = StateIdle
		}
		byURL[adapters.NormalizeURL(m.URL)] = m.ID
		next = append(next, m)
	}

	for _, m := range o.monitors {
		if !m.Pending {
			continue
		}
		if id, ok := byURL[adapters.NormalizeURL(m.URL)]; ok {
			o.rekeyLocked(m.ID, id)
			rekeyed = append(rekeyed, m.ID)
			continue
		}
		next = append(next, m.Clone())
	}

	o.monitors = next
	o.hasAccess = true
	if o.current != "" && o.indexOf(o.current) < 0 {
		o.log.Warn().Str("monitor_id", o.current).Msg("Current monitor no longer exists")
		o.current = ""
	}
	current := o.current
	var tracked []string
	if i := o.indexOf(current); i >= 0 {
		tracked = o.monitors[i].TrackedCompetitorIDs
	}
	o.mu.Unlock()

	if current != "" && tracked != nil {
		if w := o.rec.Snapshot(current); w.TrackedProvenance != models.ProvenanceOptimistic && !slices.Equal(w.TrackedIDs, tracked) {
			o.rec.SeedTracked(current, tracked)
			o.persistSnapshot(ctx, current)
		}
	}

	for _, id := range rekeyed {
		o.forget(ctx, id)
	}
	o.persistMonitors(ctx)
	o.persistSetting(ctx, storage.SettingHasAccess, "true")
	o.log.Info().Int("count", len(next)).Msg("Loaded monitors")
}

// Submit starts a new analysis run for url, binding it to the monitor whose
// normalized URL matches or to a new monitor created optimistically
func (o *Orchestrator) Submit(ctx context.Context, rawURL string) (models.Monitor, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return models.Monitor{}, invalid("url is required")
	}

	o.ops.Lock()
	defer o.ops.Unlock()

	m, created := o.bind(target)
	log := o.log.WithMonitor(m.ID)

	// the previous channel is cancelled before anything else happens
	o.stopActive()

	req := backend.AnalyzeRequest{
		CompanyName:    m.Name,
		TenantURL:      m.URL,
		EnableResearch: o.analysis.EnableResearch,
		MaxCompetitors: o.analysis.MaxCompetitors,
		EnableCaching:  o.analysis.EnableCaching,
	}
	if m.Pending {
		req.MonitorName = m.Name
	} else {
		req.MonitorID = m.ID
	}

	resp, err := o.backend.StartAnalysis(ctx, req)
	if err != nil {
		if created {
			o.mu.Lock()
			o.removeLocked(m.ID)
			o.mu.Unlock()
			o.rec.Drop(m.ID)
		}
		return models.Monitor{}, o.observe(ctx, err)
	}

	if m.Pending && resp.MonitorID != "" {
		o.mu.Lock()
		o.rekeyLocked(m.ID, resp.MonitorID)
		o.mu.Unlock()
		o.forget(ctx, m.ID)
		m.ID = resp.MonitorID
		log = o.log.WithMonitor(m.ID)
	}

	started := o.now().UTC()
	o.mu.Lock()
	o.current = m.ID
	o.updateLocked(m.ID, func(m *models.Monitor) {
		m.LatestTaskID = resp.TaskID
		m.LatestTaskStatus = models.TaskStatusRunning
		m.LatestTaskProgress = 0
		m.LastRunAt = &started
	})
	o.mu.Unlock()
	o.persistSetting(ctx, storage.SettingCurrentMonitor, m.ID)

	log.Info().Str("task_id", resp.TaskID).Bool("new_monitor", created).Msg("Analysis submitted")

	if err := o.startRun(ctx, m.ID, resp.TaskID); err != nil {
		o.persistMonitors(ctx)
		return o.monitor(m.ID), err
	}
	o.persistMonitors(ctx)
	return o.monitor(m.ID), nil
}

// bind finds the monitor a url belongs to, or creates a pending one
func (o *Orchestrator) bind(target string) (models.Monitor, bool) {
	key := adapters.NormalizeURL(target)

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, m := range o.monitors {
		if adapters.NormalizeURL(m.URL) == key {
			return m.Clone(), false
		}
	}

	host := adapters.Hostname(target)
	name := host
	if name == "" {
		name = target
	}
	m := models.Monitor{
		ID:                     pendingPrefix + uuid.NewString(),
		Name:                   name,
		URL:                    adapters.CanonicalURL(target),
		Domain:                 host,
		TrackedCompetitorIDs:   []string{},
		TrackedCompetitorSlugs: []string{},
		Pending:                true,
		NameProvenance:         models.ProvenanceOptimistic,
	}
	o.monitors = append(o.monitors, m)
	o.states[m.ID] = StateIdle
	o.rec.Reset(m.ID)
	return m.Clone(), true
}

// SwitchTo makes monitorID current: the live stream is cancelled, the working
// copy cleared and repopulated from the latest task's event history
func (o *Orchestrator) SwitchTo(ctx context.Context, monitorID string) error {
	o.ops.Lock()
	defer o.ops.Unlock()
	return o.switchLocked(ctx, monitorID)
}

func (o *Orchestrator) switchLocked(ctx context.Context, monitorID string) error {
	o.mu.Lock()
	i := o.indexOf(monitorID)
	var m models.Monitor
	if i >= 0 {
		m = o.monitors[i].Clone()
	}
	o.mu.Unlock()
	if i < 0 {
		return invalid("unknown monitor %s", monitorID)
	}

	o.stopActive()

	o.rec.Reset(monitorID)
	o.rec.SeedTracked(monitorID, m.TrackedCompetitorIDs)

	var fetchErr error
	if m.LatestTaskID != "" && !m.Pending {
		evs, err := o.backend.TaskEvents(ctx, m.LatestTaskID)
		if err != nil {
			fetchErr = o.observe(ctx, err)
		} else {
			o.replay(monitorID, m.LatestTaskID, evs)
		}
	}

	o.mu.Lock()
	o.current = monitorID
	if m.LatestTaskID != "" {
		o.states[monitorID] = StateSettled
	} else {
		o.states[monitorID] = StateIdle
	}
	o.mu.Unlock()

	o.persistSnapshot(ctx, monitorID)
	o.persistMonitors(ctx)
	o.persistSetting(ctx, storage.SettingCurrentMonitor, monitorID)
	o.notifySnapshot(monitorID)

	o.log.Info().Str("monitor_id", monitorID).Str("task_id", m.LatestTaskID).Msg("Switched monitor")
	return fetchErr
}

// replay merges a task's event history without a live stream
func (o *Orchestrator) replay(monitorID, taskID string, evs []events.Event) {
	var status models.TaskStatus
	progress := -1
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.StageEvent:
			o.rec.Apply(monitorID, taskID, e)
		case events.StatusEvent:
			if e.Progress != nil {
				progress = max(progress, percent(*e.Progress))
			}
			switch {
			case e.Completed():
				if e.Data != nil {
					o.rec.ApplyContext(monitorID, taskID, e.Data)
				}
				status = models.TaskStatusCompleted
			case e.Failed():
				status = models.TaskStatusFailed
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateLocked(monitorID, func(m *models.Monitor) {
		if status != "" {
			m.LatestTaskStatus = status
		}
		if progress > m.LatestTaskProgress {
			m.LatestTaskProgress = progress
		}
	})
}

// Resume reattaches a live stream to the current monitor's latest task if
// that task is still running
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.ops.Lock()
	defer o.ops.Unlock()

	m, err := o.currentMonitor()
	if err != nil {
		return err
	}
	if m.LatestTaskID == "" || m.Pending {
		return nil
	}

	task, err := o.backend.TaskStatus(ctx, m.LatestTaskID)
	if err != nil {
		return o.observe(ctx, err)
	}
	o.applyTask(m.ID, task)
	o.persistMonitors(ctx)

	if task.Status.Terminal() {
		o.log.Debug().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("Latest task already settled")
		return nil
	}

	o.mu.Lock()
	live := o.active != nil && o.active.taskID == task.ID
	o.mu.Unlock()
	if live {
		return nil
	}

	o.stopActive()
	return o.startRun(ctx, m.ID, task.ID)
}

// Refresh polls the current monitor's latest task status
func (o *Orchestrator) Refresh(ctx context.Context) (*models.Task, error) {
	m, err := o.currentMonitor()
	if err != nil {
		return nil, err
	}
	if m.LatestTaskID == "" {
		return nil, invalid("monitor %s has no analysis run", m.ID)
	}

	task, err := o.backend.TaskStatus(ctx, m.LatestTaskID)
	if err != nil {
		return nil, o.observe(ctx, err)
	}
	o.applyTask(m.ID, task)
	o.persistMonitors(ctx)
	return task, nil
}

// applyTask records a polled task state; progress only moves forward while
// the task is running
func (o *Orchestrator) applyTask(monitorID string, task *models.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.updateLocked(monitorID, func(m *models.Monitor) {
		if m.LatestTaskID != task.ID {
			return
		}
		m.LatestTaskStatus = task.Status
		switch {
		case task.Status == models.TaskStatusCompleted:
			m.LatestTaskProgress = 100
		case task.Progress > m.LatestTaskProgress:
			m.LatestTaskProgress = task.Progress
		}
	})
}

// Wait blocks until the most recent run settles and returns how it ended
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.last
	o.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Monitors returns the known monitors in display order
func (o *Orchestrator) Monitors() []models.Monitor {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.Monitor, len(o.monitors))
	for i, m := range o.monitors {
		out[i] = m.Clone()
	}
	return out
}

// Current returns the current monitor
func (o *Orchestrator) Current() (models.Monitor, bool) {
	m, err := o.currentMonitor()
	return m, err == nil
}

// Snapshot returns a monitor's working copy
func (o *Orchestrator) Snapshot(monitorID string) *models.WorkingCopy {
	return o.rec.Snapshot(monitorID)
}

// CurrentSnapshot returns the current monitor's working copy, or an empty one
func (o *Orchestrator) CurrentSnapshot() *models.WorkingCopy {
	o.mu.Lock()
	id := o.current
	o.mu.Unlock()
	return o.rec.Snapshot(id)
}

// State returns a monitor's run state
func (o *Orchestrator) State(monitorID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.states[monitorID]; ok {
		return s
	}
	return StateIdle
}

// Streaming returns the monitor and task of the live stream, if any
func (o *Orchestrator) Streaming() (monitorID, taskID string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil {
		return "", "", false
	}
	return o.active.monitorID, o.active.taskID, true
}

// HasAccess reports whether privileged calls are expected to succeed. It
// drops to false after an authorization error.
func (o *Orchestrator) HasAccess() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasAccess
}

// observe downgrades monitor access on authorization errors
func (o *Orchestrator) observe(ctx context.Context, err error) error {
	if err == nil || !backend.IsAuthError(err) {
		return err
	}

	o.mu.Lock()
	was := o.hasAccess
	o.hasAccess = false
	o.mu.Unlock()

	if was {
		o.log.Warn().Err(err).Msg("Monitor access revoked")
		o.persistSetting(ctx, storage.SettingHasAccess, "false")
	}
	return err
}

func (o *Orchestrator) currentMonitor() (models.Monitor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == "" {
		return models.Monitor{}, invalid("no monitor selected")
	}
	i := o.indexOf(o.current)
	if i < 0 {
		return models.Monitor{}, invalid("unknown monitor %s", o.current)
	}
	return o.monitors[i].Clone(), nil
}

func (o *Orchestrator) monitor(id string) models.Monitor {
	o.mu.Lock()
	defer o.mu.Unlock()

	if i := o.indexOf(id); i >= 0 {
		return o.monitors[i].Clone()
	}
	return models.Monitor{}
}

// indexOf locates a monitor. Callers hold o.mu.
func (o *Orchestrator) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(o.monitors, func(m models.Monitor) bool { return m.ID == id })
}

// updateLocked edits a monitor record in place. Callers hold o.mu.
func (o *Orchestrator) updateLocked(id string, fn func(m *models.Monitor)) {
	if i := o.indexOf(id); i >= 0 {
		m := o.monitors[i].Clone()
		fn(&m)
		o.monitors[i] = m
	}
}

// removeLocked forgets a monitor record. Callers hold o.mu.
func (o *Orchestrator) removeLocked(id string) {
	if i := o.indexOf(id); i >= 0 {
		o.monitors = slices.Delete(slices.Clone(o.monitors), i, i+1)
	}
	delete(o.states, id)
	delete(o.renaming, id)
	if o.current == id {
		o.current = ""
	}
}

// rekeyLocked moves everything held under a pending id to the server's id.
// Callers hold o.mu.
func (o *Orchestrator) rekeyLocked(from, to string) {
	var pending models.Monitor
	if i := o.indexOf(from); i >= 0 {
		pending = o.monitors[i].Clone()
		if j := o.indexOf(to); j >= 0 {
			o.monitors = slices.Delete(slices.Clone(o.monitors), i, i+1)
		} else {
			pending.ID = to
			pending.Pending = false
			o.monitors[i] = pending
		}
	}

	if s, ok := o.states[from]; ok {
		o.states[to] = s
		delete(o.states, from)
	}
	if n := o.renaming[from]; n > 0 {
		o.renaming[to] += n
		delete(o.renaming, from)
	}
	if o.current == from {
		o.current = to
	}
	if o.active != nil && o.active.monitorID == from {
		o.active.monitorID = to
	}
	o.rec.Rekey(from, to)
	o.log.Debug().Str("from", from).Str("to", to).Msg("Monitor confirmed by server")
}

func isPending(id string) bool {
	return strings.HasPrefix(id, pendingPrefix)
}

func percent(p float64) int {
	return int(min(max(p, 0), 100))
}
