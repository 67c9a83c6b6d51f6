package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentd/internal/controller"
	"agentd/internal/eventbus"
	"agentd/internal/ledger"
	"agentd/pkg/logx"
)

// stubCore fakes the daemon with a single in-memory task.
type stubCore struct {
	bus   eventbus.Bus
	task  *ledger.Task
	woken int
}

func newStubCore() *stubCore {
	return &stubCore{
		bus: eventbus.New(),
		task: &ledger.Task{
			ID: 1, Title: "seeded", Status: ledger.StatusPending, Priority: 5,
		},
	}
}

func (c *stubCore) CreateTask(_ context.Context, req ledger.CreateRequest) (*ledger.Task, bool, error) {
	if req.Title == "" {
		return nil, false, fmt.Errorf("task title is required")
	}
	return &ledger.Task{ID: 2, Title: req.Title, Status: ledger.StatusPending}, true, nil
}

func (c *stubCore) GetTask(_ context.Context, id int64) (*ledger.Task, error) {
	if id != c.task.ID {
		return nil, fmt.Errorf("task %d: %w", id, ledger.ErrNotFound)
	}
	return c.task, nil
}

func (c *stubCore) ListTasks(context.Context, ledger.Status, int) ([]*ledger.Task, error) {
	return []*ledger.Task{c.task}, nil
}

func (c *stubCore) ScheduledTasks(context.Context) ([]*ledger.Task, error) {
	return nil, nil
}

func (c *stubCore) Running() []*controller.Attempt { return nil }

func (c *stubCore) CancelPending(_ context.Context, id int64) (*ledger.Task, error) {
	return c.GetTask(context.Background(), id)
}

func (c *stubCore) CancelRunning(_ context.Context, id int64) error {
	return fmt.Errorf("task %d: %w", id, controller.ErrNotRunning)
}

func (c *stubCore) UpdateTask(_ context.Context, id int64, instruction string) (*ledger.Task, error) {
	t, err := c.GetTask(context.Background(), id)
	if err != nil {
		return nil, err
	}
	t.Description = instruction
	return t, nil
}

func (c *stubCore) AssignTask(_ context.Context, id int64, profile string) (*ledger.Task, error) {
	t, err := c.GetTask(context.Background(), id)
	if err != nil {
		return nil, err
	}
	t.AssignedTo = profile
	return t, nil
}

func (c *stubCore) ForceRun(context.Context, int64) error { return nil }
func (c *stubCore) Wake()                                 { c.woken++ }
func (c *stubCore) Events() eventbus.Bus                  { return c.bus }

func (c *stubCore) Status(context.Context) (StatusReport, error) {
	return StatusReport{State: "running", Stats: ledger.Stats{Pending: 1}}, nil
}

func newTestServer(t *testing.T) (*stubCore, *httptest.Server) {
	t.Helper()
	core := newStubCore()
	srv := httptest.NewServer(New("", core, logx.Nop()).routes())
	t.Cleanup(srv.Close)
	return core, srv
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"title":"water the plants","priority":3}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out struct {
		Task         *ledger.Task `json:"task"`
		ScheduledNow bool         `json:"scheduled_now"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Task.Title != "water the plants" || !out.ScheduledNow {
		t.Errorf("response = %+v", out)
	}
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"title":"x","titel":"typo"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/tasks/99")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelNotRunningConflicts(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tasks/1/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestWake(t *testing.T) {
	t.Parallel()
	core, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/wake", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || core.woken != 1 {
		t.Errorf("status=%d woken=%d", resp.StatusCode, core.woken)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	core, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readFrame := func() (event string, data string) {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("stream read: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	// The preamble carries current status.
	event, data := readFrame()
	if event != "connected" || !strings.Contains(data, `"state":"running"`) {
		t.Errorf("preamble = %q %q", event, data)
	}

	core.bus.Publish(eventbus.Event{Type: "task_start", Data: controller.TaskEvent{TaskID: 1}})
	event, data = readFrame()
	if event != "task_start" || !strings.Contains(data, `"task_id":1`) {
		t.Errorf("frame = %q %q", event, data)
	}
}
