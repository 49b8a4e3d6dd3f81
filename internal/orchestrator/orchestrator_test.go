package orchestrator

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalwatch/internal/backend"
	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/selection"
	"github.com/rivalwatch/internal/storage/sqlite"
	"github.com/rivalwatch/internal/stream"
)

func newTestOrchestrator(t *testing.T, b *fakeBackend, d *fakeDialer) *Orchestrator {
	t.Helper()
	o := New(Options{
		Backend:  b,
		Streamer: d,
		Analysis: config.AnalysisConfig{MaxCompetitors: 5, EnableCaching: true},
		MaxPeers: 10,
	})
	t.Cleanup(o.Close)
	return o
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// runToCompletion submits url and feeds the run's channel the given messages
// followed by a completion status
func runToCompletion(t *testing.T, o *Orchestrator, d *fakeDialer, url string, msgs ...map[string]any) models.Monitor {
	t.Helper()
	ctx := waitCtx(t)

	m, err := o.Submit(ctx, url)
	require.NoError(t, err)

	conn := d.conn(m.LatestTaskID)
	for _, msg := range msgs {
		conn.send(msg)
	}
	conn.send(status("complete", "Analysis complete", nil))
	require.NoError(t, o.Wait(ctx))
	return m
}

func changesStage(items ...map[string]any) map[string]any {
	raw := make([]any, len(items))
	for i, item := range items {
		raw[i] = item
	}
	return stage("changes", map[string]any{"changes": raw})
}

func TestSubmit_ScenarioA(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	m, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "t1", m.LatestTaskID)
	assert.False(t, m.Pending)
	assert.Equal(t, StateStreaming, o.State("m1"))

	current, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, "m1", current.ID)

	req := b.analyzeRequests()[0]
	assert.Equal(t, "https://example.com", req.TenantURL)
	assert.Equal(t, "example.com", req.MonitorName)
	assert.Empty(t, req.MonitorID)
	assert.Equal(t, 5, req.MaxCompetitors)

	conn := d.conn("t1")
	conn.send(stage("tenant", map[string]any{"tenant_name": "Example"}))
	conn.send(map[string]any{"type": "status", "stage": "analyzing", "progress": 40.0})
	conn.send(status("complete", "done", nil))
	require.NoError(t, o.Wait(ctx))

	w := o.Snapshot("m1")
	require.NotNil(t, w.Profile)
	assert.Equal(t, "Example", w.Profile.Name)
	assert.Equal(t, "Example overview pending.", w.Profile.Description)
	assert.Equal(t, "t1", w.TaskID)

	assert.Equal(t, StateSettled, o.State("m1"))
	settled, _ := o.Current()
	assert.Equal(t, models.TaskStatusCompleted, settled.LatestTaskStatus)
	assert.Equal(t, 100, settled.LatestTaskProgress)

	_, _, streaming := o.Streaming()
	assert.False(t, streaming)
}

func TestCompletionPayloadIsMerged(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	d.conn("t1").send(status("complete", "done", map[string]any{
		"tenant":      map[string]any{"tenant_name": "Example"},
		"competitors": map[string]any{"competitors": []any{map[string]any{"id": "p1", "display_name": "Rival"}}},
		"changes":     []any{},
	}))
	require.NoError(t, o.Wait(ctx))

	w := o.Snapshot("m1")
	require.NotNil(t, w.Profile)
	assert.Equal(t, "Example", w.Profile.Name)
	require.Len(t, w.Peers, 1)
	assert.Equal(t, "Rival", w.Peers[0].Name)
	assert.Empty(t, w.Changes)
}

func TestReadStateSurvivesRefetch_ScenarioB(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", changesStage(map[string]any{"id": "c1", "threat_level": 7.0}))

	require.NoError(t, o.MarkRead(ctx, "c1"))
	require.True(t, o.Snapshot("m1").Changes[0].IsRead())

	b.history["t1"] = []events.Event{
		events.StageEvent{Stage: events.StageChanges, Data: map[string]any{
			"changes": []any{map[string]any{"id": "c1", "threat_level": 7.0, "read_at": nil}},
		}},
		events.StatusEvent{Stage: "complete"},
	}
	require.NoError(t, o.SwitchTo(ctx, "m1"))

	w := o.Snapshot("m1")
	require.Len(t, w.Changes, 1)
	assert.True(t, w.Changes[0].IsRead(), "read marker survives the re-fetch")
	assert.Equal(t, 7.0, w.Changes[0].ThreatLevel)
}

func TestSwitchRehydratesFromResults(t *testing.T) {
	b := newFakeBackend()
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	b.monitors = []models.Monitor{{ID: "m1", Name: "Example", URL: "https://example.com", LatestTaskID: "t1"}}
	done := 100.0
	b.history["t1"] = []events.Event{events.StatusEvent{Stage: "complete", Progress: &done, Data: map[string]any{
		"tenant":      map[string]any{"tenant_name": "Example"},
		"competitors": []any{map[string]any{"id": "p1", "display_name": "Rival"}},
		"changes":     []any{map[string]any{"id": "c1", "threat_level": 6.0}},
	}}}
	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)

	require.NoError(t, o.SwitchTo(ctx, "m1"))
	w := o.Snapshot("m1")
	require.NotNil(t, w.Profile)
	assert.Equal(t, "Example", w.Profile.Name)
	require.Len(t, w.Peers, 1)
	require.Len(t, w.Changes, 1)
	m, _ := o.Current()
	assert.Equal(t, models.TaskStatusCompleted, m.LatestTaskStatus)
	assert.Equal(t, 100, m.LatestTaskProgress)
	assert.Empty(t, d.log(), "a settled task is rehydrated without a stream")
}

func TestSwitchCancelsStreamFirst_ScenarioC(t *testing.T) {
	b := newFakeBackend()
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	b.monitors = []models.Monitor{
		{ID: "a", Name: "A", URL: "https://a.example"},
		{ID: "b", Name: "B", URL: "https://b.example", LatestTaskID: "tb"},
	}
	b.status["tb"] = &models.Task{ID: "tb", Status: models.TaskStatusRunning, Progress: 20}
	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)

	_, err = o.Submit(ctx, "a.example")
	require.NoError(t, err)
	d.conn("t1").send(stage("tenant", map[string]any{"tenant_name": "Alpha"}))
	require.Eventually(t, func() bool { return o.Snapshot("a").Profile != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.SwitchTo(ctx, "b"))
	assert.Equal(t, StateSettled, o.State("a"))
	_, _, streaming := o.Streaming()
	assert.False(t, streaming)

	w := o.Snapshot("a")
	require.NotNil(t, w.Profile, "A's snapshot stays queryable")
	assert.Equal(t, "Alpha", w.Profile.Name)

	require.NoError(t, o.Resume(ctx))
	monitorID, taskID, streaming := o.Streaming()
	require.True(t, streaming)
	assert.Equal(t, "b", monitorID)
	assert.Equal(t, "tb", taskID)

	assert.Equal(t, []string{"dial t1", "close t1", "dial tb"}, d.log())
}

func TestAtMostOneStream(t *testing.T) {
	b := newFakeBackend()
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	first, err := o.Submit(ctx, "a.example")
	require.NoError(t, err)
	second, err := o.Submit(ctx, "b.example")
	require.NoError(t, err)

	assert.Equal(t, []string{"dial t1", "close t1", "dial t2"}, d.log())
	assert.Equal(t, StateSettled, o.State(first.ID))
	assert.Equal(t, StateStreaming, o.State(second.ID))

	// late events from the superseded run are never merged
	d.conn("t1").send(stage("tenant", map[string]any{"tenant_name": "Late"}))
	assert.Never(t, func() bool { return o.Snapshot(first.ID).Profile != nil }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMergeRejectsSupersededRun(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)

	o.mu.Lock()
	live := o.active
	o.mu.Unlock()
	require.NotNil(t, live)

	// a run that was current once but has since been replaced
	stale := &run{monitorID: "m1", taskID: "t0", log: o.log, done: make(chan struct{})}
	called := false
	merged := o.merge(ctx, stale, func(monitorID string) {
		called = true
		o.rec.Apply(monitorID, "t0", events.StageEvent{Stage: events.StageTenant, Data: map[string]any{"tenant_name": "Late"}})
	})
	assert.False(t, merged)
	assert.False(t, called)
	assert.Nil(t, o.Snapshot("m1").Profile)

	merged = o.merge(ctx, live, func(monitorID string) {
		o.rec.Apply(monitorID, "t1", events.StageEvent{Stage: events.StageTenant, Data: map[string]any{"tenant_name": "Live"}})
	})
	assert.True(t, merged)
	require.NotNil(t, o.Snapshot("m1").Profile)
	assert.Equal(t, "Live", o.Snapshot("m1").Profile.Name)
}

func TestBulkMarkReadFailure_ScenarioD(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", changesStage(
		map[string]any{"id": "c1", "threat_level": 7.0},
		map[string]any{"id": "c2", "threat_level": 3.0},
	))

	sel := selection.New()
	sel.SetVisible(o.ChangeFeed(FeedFilter{}).IDs())
	sel.SelectAll()

	b.bulkErr = errBoom
	err := sel.BulkMarkRead(ctx, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	require.Len(t, b.bulkCalls, 1)
	assert.Equal(t, []string{"c1", "c2"}, b.bulkCalls[0])
	for _, c := range o.Snapshot("m1").Changes {
		assert.False(t, c.IsRead(), "change %s must stay unread", c.ID)
	}

	b.bulkErr = nil
	require.NoError(t, sel.BulkMarkRead(ctx, o))
	for _, c := range o.Snapshot("m1").Changes {
		assert.True(t, c.IsRead())
	}
	assert.Equal(t, 0, o.ChangeFeed(FeedFilter{UnreadOnly: true}).Total)
}

func TestFailedRunKeepsPartialData(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	conn := d.conn("t1")
	conn.send(stage("tenant", map[string]any{"tenant_name": "Example"}))
	conn.send(status("failed", "quota exceeded", nil))

	err = o.Wait(ctx)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "t1", failed.TaskID)
	assert.Equal(t, "quota exceeded", failed.Message)

	assert.Equal(t, StateSettled, o.State("m1"))
	require.NotNil(t, o.Snapshot("m1").Profile)
	m, _ := o.Current()
	assert.Equal(t, models.TaskStatusFailed, m.LatestTaskStatus)
}

func TestSubmitValidation(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b, newFakeDialer())
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, b.analyzeRequests())

	assert.ErrorIs(t, o.SwitchTo(ctx, "missing"), ErrValidation)
	assert.ErrorIs(t, o.MarkRead(ctx, "c1"), ErrValidation, "no monitor selected")
	_, err = o.Rename(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitMatchesNormalizedURL(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{{ID: "m1", Name: "Example", URL: "https://www.example.com/"}}
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)

	m, err := o.Submit(ctx, "http://EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Len(t, o.Monitors(), 1)
	assert.Equal(t, "m1", b.analyzeRequests()[0].MonitorID)
}

func TestHandshakeFailure(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	d.err = &backend.APIError{StatusCode: 401, Detail: "Authentication required"}
	o := newTestOrchestrator(t, b, d)

	_, err := o.Submit(waitCtx(t), "example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrStreamUnavailable)
	assert.NotEqual(t, StateStreaming, o.State("m1"))
	assert.False(t, o.HasAccess())
}

func TestSubmitFailureDropsOptimisticMonitor(t *testing.T) {
	b := newFakeBackend()
	b.analyzeErr = errBoom
	o := newTestOrchestrator(t, b, newFakeDialer())

	_, err := o.Submit(waitCtx(t), "example.com")
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, o.Monitors())
}

func TestPendingMonitorConfirmedByLoad(t *testing.T) {
	b := newFakeBackend()
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	m, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, m.Pending)
	d.conn("t1").send(stage("tenant", map[string]any{"tenant_name": "Example"}))
	require.Eventually(t, func() bool { return o.Snapshot(m.ID).Profile != nil }, time.Second, 5*time.Millisecond)

	_, err = o.LoadMonitors(ctx)
	require.NoError(t, err)
	require.Len(t, o.Monitors(), 1, "pending monitor survives a load that does not know it yet")

	b.monitors = []models.Monitor{{ID: "m9", Name: "example.com", URL: "https://example.com"}}
	_, err = o.LoadMonitors(ctx)
	require.NoError(t, err)

	monitors := o.Monitors()
	require.Len(t, monitors, 1)
	assert.Equal(t, "m9", monitors[0].ID)
	current, _ := o.Current()
	assert.Equal(t, "m9", current.ID)
	require.NotNil(t, o.Snapshot("m9").Profile)

	monitorID, _, streaming := o.Streaming()
	require.True(t, streaming)
	assert.Equal(t, "m9", monitorID)
}

func TestLoadMonitorsIsCoalesced(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{{ID: "m1", URL: "https://example.com"}}
	b.listGate = make(chan struct{})
	o := newTestOrchestrator(t, b, newFakeDialer())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitors, err := o.LoadMonitors(context.Background())
			assert.NoError(t, err)
			assert.Len(t, monitors, 1)
		}()
	}

	require.Eventually(t, func() bool { return b.listCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(b.listGate)
	wg.Wait()

	assert.Equal(t, int32(1), b.listCalls.Load())
}

func TestAuthErrorDowngradesAccess(t *testing.T) {
	b := newFakeBackend()
	b.listErr = &backend.APIError{StatusCode: 403, Detail: "Forbidden"}
	o := newTestOrchestrator(t, b, newFakeDialer())
	ctx := waitCtx(t)

	require.True(t, o.HasAccess())
	_, err := o.LoadMonitors(ctx)
	require.Error(t, err)
	assert.True(t, backend.IsAuthError(err))
	assert.False(t, o.HasAccess())

	b.listErr = nil
	_, err = o.LoadMonitors(ctx)
	require.NoError(t, err)
	assert.True(t, o.HasAccess())
}

func TestRenameIsNotRolledBack(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{{ID: "m1", Name: "Old", URL: "https://example.com"}}
	o := newTestOrchestrator(t, b, newFakeDialer())
	ctx := waitCtx(t)

	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)

	b.renameErr = errBoom
	m, err := o.Rename(ctx, "m1", "  New  ")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "New", m.Name)
	assert.Equal(t, models.ProvenanceOptimistic, m.NameProvenance)

	// the next load brings back the server's name
	monitors, err := o.LoadMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Old", monitors[0].Name)

	b.renameErr = nil
	m, err = o.Rename(ctx, "m1", "Newer")
	require.NoError(t, err)
	assert.Equal(t, "Newer", m.Name)
	assert.Equal(t, models.ProvenanceConfirmed, m.NameProvenance)

	_, err = o.Rename(ctx, "m1", " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteCurrentFallsBack(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{
		{ID: "a", URL: "https://a.example"},
		{ID: "b", URL: "https://b.example"},
	}
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)
	_, err = o.Submit(ctx, "b.example")
	require.NoError(t, err)

	require.NoError(t, o.Delete(ctx, "b"))
	assert.Equal(t, []string{"b"}, b.deleted)
	assert.Equal(t, []string{"dial t1", "close t1"}, d.log())
	_, _, streaming := o.Streaming()
	assert.False(t, streaming)

	current, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, "a", current.ID)

	require.NoError(t, o.Delete(ctx, "a"))
	_, ok = o.Current()
	assert.False(t, ok)
	assert.Empty(t, o.Monitors())
}

func TestDeleteFailureKeepsMonitor(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{{ID: "a", URL: "https://a.example"}}
	b.deleteErr = errBoom
	o := newTestOrchestrator(t, b, newFakeDialer())
	ctx := waitCtx(t)

	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, o.Delete(ctx, "a"), errBoom)
	assert.Len(t, o.Monitors(), 1)
}

func peersStage(items ...map[string]any) map[string]any {
	raw := make([]any, len(items))
	for i, item := range items {
		raw[i] = item
	}
	return stage("competitors", map[string]any{"competitors": raw})
}

func trackedByID(w *models.WorkingCopy) map[string]bool {
	out := make(map[string]bool, len(w.Peers))
	for _, p := range w.Peers {
		out[p.ID] = p.Tracked
	}
	return out
}

func TestTrackAndUntrack(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	b.tracked = []string{"p1", "p2"}
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", peersStage(
		map[string]any{"id": "p1", "display_name": "One"},
		map[string]any{"id": "p2", "display_name": "Two"},
	))
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, trackedByID(o.Snapshot("m1")), "empty set tracks everything")

	require.NoError(t, o.UntrackPeer(ctx, "p2"))
	w := o.Snapshot("m1")
	assert.Equal(t, map[string]bool{"p1": true, "p2": false}, trackedByID(w))
	assert.Equal(t, []string{"p1"}, w.TrackedIDs)
	assert.Equal(t, models.ProvenanceConfirmed, w.TrackedProvenance)
	m, _ := o.Current()
	assert.Equal(t, []string{"p1"}, m.TrackedCompetitorIDs)

	b.trackErr = errBoom
	require.ErrorIs(t, o.TrackPeer(ctx, "p2"), errBoom)
	w = o.Snapshot("m1")
	assert.Equal(t, []string{"p1"}, w.TrackedIDs, "failed edit restores the confirmed set")
	assert.False(t, trackedByID(w)["p2"])

	assert.ErrorIs(t, o.TrackPeer(ctx, "nope"), ErrValidation)
}

func TestTrackedSlugsFollowConfirmedSet(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	b.tracked = []string{"rival-one", "rival-two"}
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", peersStage(
		map[string]any{"id": "p1", "competitor_id": "rival-one", "display_name": "One"},
		map[string]any{"id": "p2", "competitor_id": "rival-two", "display_name": "Two"},
	))

	require.NoError(t, o.UntrackPeer(ctx, "p2"))
	m, _ := o.Current()
	assert.Equal(t, []string{"rival-one"}, m.TrackedCompetitorIDs)
	assert.Equal(t, []string{"rival-one"}, m.TrackedCompetitorSlugs)

	require.NoError(t, o.TrackPeer(ctx, "p2"))
	m, _ = o.Current()
	assert.ElementsMatch(t, []string{"rival-one", "rival-two"}, m.TrackedCompetitorSlugs)
	assert.Equal(t, 2, m.TrackedCompetitorCount)
}

func TestAddPeer(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	b.tracked = []string{"p1"}
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", peersStage(map[string]any{"id": "p1", "display_name": "One"}))

	peer, err := o.AddPeer(ctx, "https://www.rival.io/pricing", "")
	require.NoError(t, err)
	assert.Equal(t, "rival.io", peer.ID)
	assert.Equal(t, "manual", peer.Source)

	w := o.Snapshot("m1")
	require.Len(t, w.Peers, 2)
	assert.Equal(t, map[string]bool{"p1": true, "rival.io": true}, trackedByID(w))
	assert.ElementsMatch(t, []string{"p1", "rival.io"}, w.TrackedIDs)

	b.trackErr = errBoom
	_, err = o.AddPeer(ctx, "other.io", "Other")
	require.ErrorIs(t, err, errBoom)
	assert.Len(t, o.Snapshot("m1").Peers, 2, "failed manual peer is withdrawn")

	_, err = o.AddPeer(ctx, " ", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRefreshKeepsProgressMonotone(t *testing.T) {
	b := newFakeBackend()
	b.monitors = []models.Monitor{{ID: "m1", URL: "https://example.com", LatestTaskID: "t7", LatestTaskProgress: 60}}
	b.status["t7"] = &models.Task{ID: "t7", Status: models.TaskStatusRunning, Progress: 40}
	o := newTestOrchestrator(t, b, newFakeDialer())
	ctx := waitCtx(t)

	_, err := o.LoadMonitors(ctx)
	require.NoError(t, err)
	require.NoError(t, o.SwitchTo(ctx, "m1"))

	task, err := o.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, task.Progress)
	m, _ := o.Current()
	assert.Equal(t, 60, m.LatestTaskProgress)
	assert.Equal(t, models.TaskStatusRunning, m.LatestTaskStatus)

	b.status["t7"] = &models.Task{ID: "t7", Status: models.TaskStatusCompleted, Progress: 100}
	_, err = o.Refresh(ctx)
	require.NoError(t, err)
	m, _ = o.Current()
	assert.Equal(t, 100, m.LatestTaskProgress)
}

func TestArchives(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.CreateArchive(ctx, "Q1", nil)
	assert.ErrorIs(t, err, ErrValidation, "no monitor selected")

	runToCompletion(t, o, d, "example.com")

	archive, err := o.CreateArchive(ctx, "Q1", map[string]any{"note": "x"})
	require.NoError(t, err)
	assert.Equal(t, "m1", archive.MonitorID)
	assert.Equal(t, "t1", archive.TaskID)

	archives, err := o.ListArchives(ctx)
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestChangeFeedFilter(t *testing.T) {
	read := time.Now()
	changes := []models.Change{
		{ID: "c1", ThreatLevel: 9},
		{ID: "c2", ThreatLevel: 2},
		{ID: "c3", ThreatLevel: 8, ReadAt: &read},
		{ID: "c4", ThreatLevel: 6},
	}

	page := Filter(changes, FeedFilter{MinThreat: 5, UnreadOnly: true})
	assert.Equal(t, []string{"c1", "c4"}, page.IDs())
	assert.Equal(t, 2, page.Total)

	page = Filter(changes, FeedFilter{Page: 2, PageSize: 3})
	assert.Equal(t, []string{"c4"}, page.IDs())
	assert.Equal(t, 2, page.Pages)

	page = Filter(changes, FeedFilter{Page: 5, PageSize: 3})
	assert.Empty(t, page.Changes)
}

func TestRestoreFromWorkingStore(t *testing.T) {
	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := New(Options{Backend: b, Streamer: d, Store: repo, MaxPeers: 10})
	ctx := waitCtx(t)

	runToCompletion(t, o, d, "example.com", changesStage(map[string]any{"id": "c1"}, map[string]any{"id": "c2"}))
	require.NoError(t, o.MarkRead(ctx, "c1"))
	o.Close()

	restored := New(Options{Backend: b, Streamer: d, Store: repo, MaxPeers: 10})
	t.Cleanup(restored.Close)
	require.NoError(t, restored.Restore(ctx))

	current, ok := restored.Current()
	require.True(t, ok)
	assert.Equal(t, "m1", current.ID)
	assert.Equal(t, StateSettled, restored.State("m1"))

	w := restored.CurrentSnapshot()
	require.Len(t, w.Changes, 2)
	assert.True(t, w.Changes[0].IsRead())
	assert.False(t, w.Changes[1].IsRead())

	// a re-fetch without markers keeps the restored one
	b.history["t1"] = []events.Event{
		events.StageEvent{Stage: events.StageChanges, Data: map[string]any{"changes": []any{map[string]any{"id": "c1"}}}},
	}
	require.NoError(t, restored.SwitchTo(ctx, "m1"))
	assert.True(t, restored.CurrentSnapshot().Changes[0].IsRead())
}

func TestStalledStreamReleasesConnection(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := New(Options{
		Backend:  b,
		Streamer: d,
		Analysis: config.AnalysisConfig{MaxCompetitors: 5},
		Stream:   stream.Options{IdleTimeout: 50 * time.Millisecond},
	})
	t.Cleanup(o.Close)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)

	require.ErrorIs(t, o.Wait(ctx), stream.ErrStalled)
	assert.Equal(t, StateSettled, o.State("m1"))
	assert.Eventually(t, func() bool {
		return slices.Contains(d.log(), "close t1")
	}, time.Second, 10*time.Millisecond)
}

func TestCancelAfterWaitTimeout(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	d.conn("t1").send(stage("tenant", map[string]any{"tenant_name": "Example"}))
	require.Eventually(t, func() bool { return o.Snapshot("m1").Profile != nil }, time.Second, 5*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, o.Wait(short), context.DeadlineExceeded)

	require.True(t, o.Cancel())
	_, _, streaming := o.Streaming()
	assert.False(t, streaming)
	assert.Equal(t, StateSettled, o.State("m1"))
	assert.Equal(t, []string{"dial t1", "close t1"}, d.log())
	require.NotNil(t, o.Snapshot("m1").Profile, "merged data is kept")
	require.NoError(t, o.Wait(ctx))

	assert.False(t, o.Cancel(), "nothing left to cancel")
}

func TestStreamErrorSettlesRun(t *testing.T) {
	b := newFakeBackend()
	b.monitorFor = "m1"
	d := newFakeDialer()
	o := newTestOrchestrator(t, b, d)
	ctx := waitCtx(t)

	_, err := o.Submit(ctx, "example.com")
	require.NoError(t, err)
	conn := d.conn("t1")
	conn.send(stage("tenant", map[string]any{"tenant_name": "Example"}))
	close(conn.frames)

	require.NoError(t, o.Wait(ctx), "a normal close without a terminal status is not an error")
	assert.Equal(t, StateSettled, o.State("m1"))
	require.NotNil(t, o.Snapshot("m1").Profile, "events buffered before the close are delivered")
}
