package worker

import (
	"context"
	"testing"
	"time"

	"github.com/orbitmesh/node/pkg/logging"
)

type fakeRuntime struct {
	exitCode int
	err      error
	lines    []string
}

func (f *fakeRuntime) Run(ctx context.Context, image string, argv []string, stdout func(line string)) (int, error) {
	for _, l := range f.lines {
		stdout(l)
	}
	return f.exitCode, f.err
}

func TestSupervisorDeliversCompletion(t *testing.T) {
	rt := &fakeRuntime{exitCode: 0, lines: []string{"hello"}}
	s := New(logging.Nop(), rt)

	s.Launch(context.Background(), Assignment{TaskID: "t1", Image: "alpine", Cmd: []string{"echo", "hi"}})

	select {
	case c := <-s.CompletionCh:
		if c.TaskID != "t1" || c.ExitCode != 0 || c.Err != nil {
			t.Fatalf("unexpected completion: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSupervisorDeliversNonZeroExit(t *testing.T) {
	rt := &fakeRuntime{exitCode: 2}
	s := New(logging.Nop(), rt)

	s.Launch(context.Background(), Assignment{TaskID: "t2", Image: "alpine", Cmd: []string{"false"}})

	select {
	case c := <-s.CompletionCh:
		if c.ExitCode != 2 {
			t.Fatalf("expected exit code 2, got %d", c.ExitCode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
