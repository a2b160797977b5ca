package httpapi

import (
	"testing"

	"github.com/wanloop/wanloop/runner"
)

func TestFinishIsIdempotent(t *testing.T) {
	reg := newRegistry(4)
	j, err := reg.enqueue(runner.Request{Image: "aGk=", Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	reg.finishErr(j, StatusFailed, "first verdict")
	// a second verdict must not double-close done or rewrite the status
	reg.finishOK(j, &Output{Video: "yq==", Seed: 1})

	snap := reg.snapshot(j)
	if snap.Status != StatusFailed || snap.ErrMsg != "first verdict" {
		t.Fatalf("snapshot = %+v", snap)
	}
	select {
	case <-j.done:
	default:
		t.Fatal("done channel not closed")
	}
}

func TestCancelledJobIsSkippedByWorkerGate(t *testing.T) {
	reg := newRegistry(4)
	j, err := reg.enqueue(runner.Request{Image: "aGk=", Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !reg.shouldRun(j) {
		t.Fatal("fresh job should be runnable")
	}
	if _, already := reg.requestCancel(j); already {
		t.Fatal("first cancel should not report already done")
	}
	if reg.shouldRun(j) {
		t.Fatal("cancelled job must not run")
	}
	if _, already := reg.requestCancel(j); !already {
		t.Fatal("second cancel should report already done")
	}
}

func TestProgressIgnoredAfterTerminal(t *testing.T) {
	reg := newRegistry(4)
	j, err := reg.enqueue(runner.Request{Image: "aGk=", Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	reg.markStarted(j, &runner.Job{ID: "rjob-9"})
	reg.recordProgress("rjob-9", 1, 6)
	reg.finishErr(j, StatusFailed, "boom")
	reg.recordProgress("rjob-9", 5, 6)

	snap := reg.snapshot(j)
	if snap.Progress == nil || snap.Progress.Value != 1 {
		t.Fatalf("progress = %+v", snap.Progress)
	}
}
