package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/journal"
	"github.com/vinayprograms/agentd/internal/stream"
)

// fnEngine adapts a func to engine.Engine.
type fnEngine struct {
	fn func(ctx context.Context, req engine.Request) (*engine.Result, error)
}

func (e *fnEngine) Run(ctx context.Context, req engine.Request) (*engine.Result, error) {
	return e.fn(ctx, req)
}

func newTestService(fn func(ctx context.Context, req engine.Request) (*engine.Result, error)) *Service {
	return NewService(Options{
		Engine: func(model string) (engine.Engine, error) {
			return &fnEngine{fn: fn}, nil
		},
		DefaultModel: "test-model",
	})
}

func mustCreate(t *testing.T, svc *Service) *Record {
	t.Helper()
	rec, err := svc.Create("", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func drain(t *testing.T, bus *stream.Bus) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	sub := bus.Subscribe()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("bus did not close in time")
		}
	}
}

func waitIdle(t *testing.T, rec *Record) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec.Status() == StatusIdle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record did not return to idle")
}

func TestSubmitStreamsToCompletion(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		cb := req.Callbacks
		cb.OnToolCall("t1", "list_files", map[string]interface{}{"path": "."})
		cb.OnToolComplete("t1", "list_files", []string{"a.go"}, "")
		cb.OnToken("files listed")
		return &engine.Result{Content: "files listed", Iterations: 1}, nil
	})
	rec := mustCreate(t, svc)

	bus, err := svc.Submit(rec.ID, "list files", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := drain(t, bus)

	var types []stream.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	// tool_call before tool_complete, complete strictly last.
	order := map[stream.EventType]int{}
	for i, typ := range types {
		order[typ] = i
	}
	if !(order[stream.EventToolCall] < order[stream.EventToolComplete]) {
		t.Errorf("event order = %v", types)
	}
	if types[len(types)-1] != stream.EventComplete {
		t.Errorf("terminal should be last, got %v", types)
	}

	waitIdle(t, rec)
	msgs := rec.Messages(0)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Content != "files listed" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "list_files" {
		t.Errorf("tool calls = %+v", msgs[1].ToolCalls)
	}
}

func TestCreateRejectedWhileJobBusy(t *testing.T) {
	busy := true
	svc := NewService(Options{
		Engine: func(model string) (engine.Engine, error) {
			return &fnEngine{fn: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
				return &engine.Result{}, nil
			}}, nil
		},
		Busy: func() bool { return busy },
	})

	if _, err := svc.Create("", "", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("Create while busy = %v, want ErrBusy", err)
	}
	busy = false
	if _, err := svc.Create("", "", ""); err != nil {
		t.Fatalf("Create after job finished: %v", err)
	}
}

func TestSubmitImagesKeptInHistory(t *testing.T) {
	var prompt string
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}
		return &engine.Result{Content: "noted"}, nil
	})
	rec := mustCreate(t, svc)

	bus, err := svc.Submit(rec.ID, "what does this show", []string{"diagram.png"})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, bus)
	waitIdle(t, rec)

	msgs := rec.Messages(0)
	if len(msgs[0].Images) != 1 || msgs[0].Images[0] != "diagram.png" {
		t.Errorf("stored images = %v", msgs[0].Images)
	}
	// The provider contract is text-only, so the attachment reaches the
	// model as a reference line.
	if !strings.Contains(prompt, "[attached image: diagram.png]") {
		t.Errorf("model prompt = %q", prompt)
	}
}

func TestSubmitWhileProcessingIsRejected(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		<-release
		return &engine.Result{Content: "done"}, nil
	})
	rec := mustCreate(t, svc)

	bus, err := svc.Submit(rec.ID, "first", nil)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Second submission is rejected synchronously, never queued.
	if _, err := svc.Submit(rec.ID, "second", nil); !errors.Is(err, ErrProcessing) {
		t.Fatalf("second Submit = %v, want ErrProcessing", err)
	}

	close(release)
	drain(t, bus)
	waitIdle(t, rec)

	// Only the first message pair exists.
	if got := len(rec.Messages(0)); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
}

func TestCancelEmitsCancelledTerminal(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := mustCreate(t, svc)

	bus, err := svc.Submit(rec.ID, "long task", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel(rec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	events := drain(t, bus)
	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("terminal = %s", last.Type)
	}
	var payload stream.ErrorPayload
	if err := json.Unmarshal(last.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Cancelled {
		t.Error("terminal should be marked cancelled")
	}

	waitIdle(t, rec)
	// No assistant message for a cancelled run.
	if got := len(rec.Messages(0)); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestCancelIdleRecord(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return &engine.Result{}, nil
	})
	rec := mustCreate(t, svc)
	if err := svc.Cancel(rec.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("Cancel idle = %v, want ErrNotActive", err)
	}
}

func TestStreamSynthesizesTerminalForIdleRecord(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return &engine.Result{Content: "the answer"}, nil
	})
	rec := mustCreate(t, svc)
	bus, _ := svc.Submit(rec.ID, "q", nil)
	drain(t, bus)
	waitIdle(t, rec)

	// Attaching after the fact yields exactly one synthesized terminal,
	// not a replay.
	late, err := svc.Stream(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, late)
	if len(events) != 1 || events[0].Type != stream.EventComplete {
		t.Fatalf("events = %+v", events)
	}
	var payload stream.CompletePayload
	if err := json.Unmarshal(events[0].Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Content != "the answer" {
		t.Errorf("content = %q", payload.Content)
	}
}

func TestExecutionFailureBecomesErrorTerminal(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return nil, errors.New("provider exploded")
	})
	rec := mustCreate(t, svc)
	bus, _ := svc.Submit(rec.ID, "q", nil)
	events := drain(t, bus)

	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("terminal = %s", last.Type)
	}
	waitIdle(t, rec)

	// The registry survives; the record is reusable.
	if _, err := svc.Submit(rec.ID, "again", nil); err != nil {
		t.Errorf("record should accept a new submission after failure: %v", err)
	}
}

func TestPanicInExecutionIsCaught(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		panic("boom")
	})
	rec := mustCreate(t, svc)
	bus, _ := svc.Submit(rec.ID, "q", nil)
	events := drain(t, bus)
	if events[len(events)-1].Type != stream.EventError {
		t.Error("panic should surface as an error terminal")
	}
	waitIdle(t, rec)
}

func TestRemove(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &engine.Result{}, ctx.Err()
	})
	rec := mustCreate(t, svc)
	bus, _ := svc.Submit(rec.ID, "q", nil)

	if err := svc.Remove(rec.ID); !errors.Is(err, ErrProcessing) {
		t.Fatalf("Remove while processing = %v, want ErrProcessing", err)
	}

	svc.Cancel(rec.ID)
	drain(t, bus)
	waitIdle(t, rec)
	if err := svc.Remove(rec.ID); err != nil {
		t.Fatalf("Remove after cancel: %v", err)
	}
	if _, err := svc.Get(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove = %v", err)
	}
}

func TestPermissionResolutionIsOneShot(t *testing.T) {
	svc := newTestService(nil)
	rec := mustCreate(t, svc)
	bus := stream.NewBus()
	events := bus.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	var approved bool
	go func() {
		defer wg.Done()
		approved = rec.requestPermission(context.Background(), bus, "corr-1", "write_file", nil, "")
	}()

	// Wait for the request to land on the bus.
	select {
	case ev := <-events:
		if ev.Type != stream.EventPermissionRequest {
			t.Errorf("event = %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no permission_request event")
	}

	if err := svc.ResolvePermission("corr-1", true); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	wg.Wait()
	if !approved {
		t.Error("approval should reach the waiter")
	}

	// Second resolution: the correlation is gone.
	if err := svc.ResolvePermission("corr-1", true); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("second resolution = %v, want ErrPermissionNotFound", err)
	}
}

func TestResolveUnknownPermission(t *testing.T) {
	svc := newTestService(nil)
	mustCreate(t, svc)
	if err := svc.ResolvePermission("ghost", false); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestCommand(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return &engine.Result{Content: "ok"}, nil
	})
	rec := mustCreate(t, svc)
	bus, _ := svc.Submit(rec.ID, "q", nil)
	drain(t, bus)
	waitIdle(t, rec)

	res, err := svc.Command(rec.ID, "status")
	if err != nil || !res.Success {
		t.Fatalf("status = %+v, %v", res, err)
	}

	res, err = svc.Command(rec.ID, "clear")
	if err != nil || !res.Success {
		t.Fatalf("clear = %+v, %v", res, err)
	}
	if got := len(rec.Messages(0)); got != 0 {
		t.Errorf("messages after clear = %d", got)
	}

	res, err = svc.Command(rec.ID, "self_destruct")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("unknown command should not succeed")
	}
}

func TestTranscriptTitleKeepsRunesIntact(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(Options{
		Engine: func(model string) (engine.Engine, error) {
			return &fnEngine{fn: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
				return &engine.Result{Content: "ok"}, nil
			}}, nil
		},
		Journal:      j,
		DefaultModel: "test-model",
	})
	rec := mustCreate(t, svc)

	bus, err := svc.Submit(rec.ID, strings.Repeat("日", 100), nil)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, bus)
	waitIdle(t, rec)

	tr, err := j.Load(rec.ID + "-msg-001")
	if err != nil {
		t.Fatal(err)
	}
	// Truncated on characters, never mid-rune.
	if tr.Title != strings.Repeat("日", 80) {
		t.Errorf("title = %q", tr.Title)
	}
	if !utf8.ValidString(tr.Title) {
		t.Error("title is not valid UTF-8")
	}
}

func TestMessagesLimit(t *testing.T) {
	svc := newTestService(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return &engine.Result{Content: "a"}, nil
	})
	rec := mustCreate(t, svc)
	for i := 0; i < 3; i++ {
		bus, err := svc.Submit(rec.ID, "q", nil)
		if err != nil {
			t.Fatal(err)
		}
		drain(t, bus)
		waitIdle(t, rec)
	}
	if got := len(rec.Messages(0)); got != 6 {
		t.Fatalf("messages = %d", got)
	}
	limited := rec.Messages(2)
	if len(limited) != 2 {
		t.Fatalf("limited = %d", len(limited))
	}
	if limited[1].Role != "assistant" {
		t.Errorf("limit should keep the newest messages")
	}
}
