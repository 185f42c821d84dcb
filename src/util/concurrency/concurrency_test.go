package concurrency

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAllSettledKeepsInputOrder(t *testing.T) {
	tasks := make([]Task[int], 5)
	for i := range tasks {
		tasks[i] = func() (int, error) { return i * 10, nil }
	}

	results := AllSettled(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Fatalf("got %d results, want %d", len(results), len(tasks))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("task %d failed: %v", i, r.Err)
		}
		if r.Result != i*10 {
			t.Errorf("result[%d] = %d, want %d", i, r.Result, i*10)
		}
	}
}

func TestAllSettledCollectsPartialFailures(t *testing.T) {
	boom := errors.New("boom")
	tasks := []Task[string]{
		func() (string, error) { return "ok", nil },
		func() (string, error) { return "", boom },
	}

	results := AllSettled(context.Background(), tasks)

	if results[0].Err != nil || results[0].Result != "ok" {
		t.Errorf("first task: result=%q err=%v", results[0].Result, results[0].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("second task error = %v, want %v", results[1].Err, boom)
	}
}

func TestAllSettledCanceledContextFailsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task[int]{
		func() (int, error) { return 0, fmt.Errorf("must not run") },
	}

	results := AllSettled(ctx, tasks)

	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", results[0].Err)
	}
}

func TestAllSettledEmptyInput(t *testing.T) {
	if got := AllSettled[int](context.Background(), nil); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}
