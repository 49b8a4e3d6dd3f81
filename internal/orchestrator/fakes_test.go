package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivalwatch/internal/backend"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/stream"
)

// fakeBackend records calls and answers from canned state
type fakeBackend struct {
	mu sync.Mutex

	monitors  []models.Monitor
	listCalls atomic.Int32
	listGate  chan struct{}
	listErr   error

	analyzeErr error
	requests   []backend.AnalyzeRequest
	nextTask   int
	monitorFor string // monitor id returned by analyze, if any

	history map[string][]events.Event
	status  map[string]*models.Task

	renameErr error
	deleteErr error
	deleted   []string

	tracked  []string
	trackErr error

	readErr   error
	bulkErr   error
	bulkCalls [][]string

	archives []models.Archive
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[string][]events.Event),
		status:  make(map[string]*models.Task),
		tracked: []string{},
	}
}

func (b *fakeBackend) ListMonitors(ctx context.Context) ([]models.Monitor, error) {
	b.listCalls.Add(1)
	if b.listGate != nil {
		<-b.listGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]models.Monitor, len(b.monitors))
	for i, m := range b.monitors {
		out[i] = m.Clone()
	}
	return out, nil
}

func (b *fakeBackend) CreateMonitor(ctx context.Context, monitorURL, name string) (*models.Monitor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := models.Monitor{ID: fmt.Sprintf("m%d", len(b.monitors)+1), Name: name, URL: monitorURL}
	b.monitors = append(b.monitors, m)
	return &m, nil
}

func (b *fakeBackend) RenameMonitor(ctx context.Context, id, name string) (*models.Monitor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.renameErr != nil {
		return nil, b.renameErr
	}
	for i := range b.monitors {
		if b.monitors[i].ID == id {
			b.monitors[i].Name = name
			m := b.monitors[i].Clone()
			return &m, nil
		}
	}
	return nil, &backend.APIError{StatusCode: 404, Detail: "Monitor not found"}
}

func (b *fakeBackend) DeleteMonitor(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) StartAnalysis(ctx context.Context, req backend.AnalyzeRequest) (*backend.AnalyzeResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.analyzeErr != nil {
		return nil, b.analyzeErr
	}
	b.nextTask++
	monitorID := req.MonitorID
	if monitorID == "" {
		monitorID = b.monitorFor
	}
	return &backend.AnalyzeResponse{TaskID: fmt.Sprintf("t%d", b.nextTask), MonitorID: monitorID}, nil
}

func (b *fakeBackend) TaskStatus(ctx context.Context, taskID string) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.status[taskID]; ok {
		out := *t
		return &out, nil
	}
	return nil, &backend.APIError{StatusCode: 404, Detail: "Task not found"}
}

func (b *fakeBackend) TaskEvents(ctx context.Context, taskID string) ([]events.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.history[taskID]...), nil
}

func (b *fakeBackend) TrackCompetitor(ctx context.Context, competitorID string, req backend.TrackRequest) (*backend.TrackResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trackErr != nil {
		return nil, b.trackErr
	}
	b.tracked = append(b.tracked, competitorID)
	return &backend.TrackResult{
		TrackedIDs: append([]string{}, b.tracked...),
		Competitor: &models.Peer{ID: competitorID, CompetitorID: competitorID, Name: req.DisplayName, URL: req.URL},
	}, nil
}

func (b *fakeBackend) UntrackCompetitor(ctx context.Context, monitorID, competitorID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trackErr != nil {
		return nil, b.trackErr
	}
	out := []string{}
	for _, id := range b.tracked {
		if id != competitorID {
			out = append(out, id)
		}
	}
	b.tracked = out
	return append([]string{}, out...), nil
}

func (b *fakeBackend) MarkChangeRead(ctx context.Context, changeID string) (*time.Time, error) {
	if b.readErr != nil {
		return nil, b.readErr
	}
	return nil, nil
}

func (b *fakeBackend) MarkChangesRead(ctx context.Context, monitorID string, changeIDs []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkCalls = append(b.bulkCalls, append([]string(nil), changeIDs...))
	if b.bulkErr != nil {
		return 0, b.bulkErr
	}
	return len(changeIDs), nil
}

func (b *fakeBackend) ListArchives(ctx context.Context) ([]models.Archive, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Archive(nil), b.archives...), nil
}

func (b *fakeBackend) CreateArchive(ctx context.Context, req backend.ArchiveRequest) (*models.Archive, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := models.Archive{ID: fmt.Sprintf("a%d", len(b.archives)+1), Title: req.Title, MonitorID: req.MonitorID, TaskID: req.TaskID}
	b.archives = append(b.archives, a)
	return &a, nil
}

func (b *fakeBackend) analyzeRequests() []backend.AnalyzeRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.AnalyzeRequest(nil), b.requests...)
}

// fakeConn is fed frames by the test
type fakeConn struct {
	taskID string
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	onEnd  func(string)
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.onEnd("close " + c.taskID)
	})
	return nil
}

// send delivers one JSON message
func (c *fakeConn) send(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	c.frames <- data
}

// fakeDialer hands out one fakeConn per task and keeps a log of dials and
// closes in the order they happened
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	ops   []string
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) conn(taskID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[taskID]
	if !ok {
		c = &fakeConn{
			taskID: taskID,
			frames: make(chan []byte, 64),
			closed: make(chan struct{}),
			onEnd:  d.record,
		}
		d.conns[taskID] = c
	}
	return c
}

func (d *fakeDialer) record(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
}

func (d *fakeDialer) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

func (d *fakeDialer) Dial(ctx context.Context, taskID string) (stream.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := d.conn(taskID)
	d.record("dial " + taskID)
	return c, nil
}

var errBoom = errors.New("boom")

func stage(name string, data map[string]any) map[string]any {
	return map[string]any{"type": "stage", "stage": name, "data": data}
}

func status(name, message string, data map[string]any) map[string]any {
	msg := map[string]any{"type": "status", "stage": name, "message": message}
	if data != nil {
		msg["data"] = data
	}
	return msg
}
