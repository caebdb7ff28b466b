package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/stream"
)

type fnEngine struct {
	fn func(ctx context.Context, req engine.Request) (*engine.Result, error)
}

func (e *fnEngine) Run(ctx context.Context, req engine.Request) (*engine.Result, error) {
	return e.fn(ctx, req)
}

func newTestService(single bool, fn func(ctx context.Context, req engine.Request) (*engine.Result, error)) *Service {
	return NewService(Options{
		Engine: func(model string) (engine.Engine, error) {
			return &fnEngine{fn: fn}, nil
		},
		SingleJob:    single,
		DefaultModel: "test-model",
	})
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

func waitStatus(t *testing.T, job *Job, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", job.Status(), want)
}

func TestJobRunsToCompletion(t *testing.T) {
	svc := newTestService(false, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		req.Callbacks.OnToken("done")
		return &engine.Result{Content: "done", Iterations: 1}, nil
	})
	job, err := svc.Submit("do the thing", "", "")
	if err != nil {
		t.Fatal(err)
	}

	bus, err := svc.Stream(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, bus)
	last := events[len(events)-1]
	if last.Type != stream.EventComplete {
		t.Fatalf("terminal = %s", last.Type)
	}

	waitStatus(t, job, StatusCompleted)
	snap := job.Snapshot()
	if snap.Result != "done" || snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSingleJobModeRejectsSecondSubmission(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(true, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		<-release
		return &engine.Result{Content: "first"}, nil
	})
	first, err := svc.Submit("one", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit("two", "", ""); !errors.Is(err, ErrAlreadyBusy) {
		t.Fatalf("second Submit = %v, want ErrAlreadyBusy", err)
	}

	close(release)
	waitStatus(t, first, StatusCompleted)

	// A terminal job no longer blocks admission.
	if _, err := svc.Submit("three", "", ""); err != nil {
		t.Errorf("Submit after completion: %v", err)
	}
}

func TestTerminalJobIsRetained(t *testing.T) {
	svc := newTestService(false, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return nil, errors.New("provider down")
	})
	job, _ := svc.Submit("q", "", "")
	waitStatus(t, job, StatusFailed)

	got, err := svc.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Snapshot().Error != "provider down" {
		t.Errorf("error = %q", got.Snapshot().Error)
	}
	// Terminal is final; it never re-enters running.
	if err := svc.Cancel(job.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("Cancel terminal = %v, want ErrTerminal", err)
	}
}

func TestCancelJob(t *testing.T) {
	svc := newTestService(false, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job, _ := svc.Submit("long", "", "")
	bus, _ := svc.Stream(job.ID)

	if err := svc.Cancel(job.ID); err != nil {
		t.Fatal(err)
	}
	events := drain(t, bus)
	var payload stream.ErrorPayload
	if err := json.Unmarshal(events[len(events)-1].Data, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Cancelled {
		t.Error("terminal should be marked cancelled")
	}
	waitStatus(t, job, StatusCancelled)
}

func TestStreamSynthesizesTerminalForFinishedJob(t *testing.T) {
	svc := newTestService(false, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		return &engine.Result{Content: "answer"}, nil
	})
	job, _ := svc.Submit("q", "", "")
	waitStatus(t, job, StatusCompleted)

	bus, err := svc.Stream(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, bus)
	if len(events) != 1 || events[0].Type != stream.EventComplete {
		t.Fatalf("events = %+v", events)
	}
}

func TestCurrent(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(false, func(ctx context.Context, req engine.Request) (*engine.Result, error) {
		<-release
		return &engine.Result{}, nil
	})
	if _, err := svc.Current(); !errors.Is(err, ErrNoCurrent) {
		t.Fatalf("Current on empty service = %v", err)
	}

	job, _ := svc.Submit("q", "", "")
	cur, err := svc.Current()
	if err != nil || cur.ID != job.ID {
		t.Fatalf("Current = %v, %v", cur, err)
	}

	close(release)
	waitStatus(t, job, StatusCompleted)

	// With nothing active, Current falls back to the newest job.
	cur, err = svc.Current()
	if err != nil || cur.ID != job.ID {
		t.Errorf("Current after finish = %v, %v", cur, err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	svc := newTestService(false, nil)
	if _, err := svc.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if err := svc.Cancel("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
