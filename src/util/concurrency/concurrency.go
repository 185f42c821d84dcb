package concurrency

import (
	"context"
	"sync"
)

// TaskResult holds the outcome of a single task.
type TaskResult[T any] struct {
	Result T
	Err    error
}

type Task[T any] = func() (T, error)

// AllSettled runs all tasks concurrently and returns a slice of TaskResult[T],
// index-aligned with the input. A canceled context marks the remaining tasks
// as failed with ctx.Err() instead of running them.
func AllSettled[T any](ctx context.Context, tasks []Task[T]) []TaskResult[T] {
	results := make([]TaskResult[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, task := range tasks {
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[i] = TaskResult[T]{Err: ctx.Err()}
			default:
				res, err := task()
				results[i] = TaskResult[T]{Result: res, Err: err}
			}
		}()
	}

	wg.Wait()
	return results
}
