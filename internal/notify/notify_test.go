package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentd/internal/controller"
	"agentd/pkg/logx"
)

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	got := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var p payload
		if err := json.Unmarshal(b, &p); err != nil {
			t.Errorf("bad body: %v", err)
		}
		got <- p
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, 10, logx.Nop())
	wh.Notify(controller.EventTaskEnd, controller.TaskEvent{
		Session: "01HZX", TaskID: 7, Title: "tidy", Summary: "done",
	})

	select {
	case p := <-got:
		if p.Event != controller.EventTaskEnd || p.Task.TaskID != 7 || p.Task.Summary != "done" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestNotifyRateLimitDrops(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, 1, logx.Nop())
	for i := 0; i < 20; i++ {
		wh.Notify(controller.EventTaskError, controller.TaskEvent{TaskID: int64(i)})
	}
	time.Sleep(300 * time.Millisecond)

	// Burst is 2x the per-second rate; the rest of the 20 drop.
	if n := calls.Load(); n > 3 {
		t.Errorf("delivered %d notifications, want the burst only", n)
	}
}

func TestNotifyEmptyURLIsNoop(t *testing.T) {
	t.Parallel()
	wh := NewWebhook("", 1, logx.Nop())
	wh.Notify(controller.EventTaskEnd, controller.TaskEvent{TaskID: 1})
}
