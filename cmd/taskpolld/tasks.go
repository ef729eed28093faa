package main

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/taskpoll"
)

const (
	taskCount    = "count"
	taskProgress = "progress"
)

var taskNames = []string{taskCount, taskProgress}

// progressStep is the delay between ticks of the progress task.
var progressStep = 500 * time.Millisecond

func registerTasks(ctx context.Context, m *taskpoll.Manager) error {
	if err := m.CreateTaskQueue(ctx, taskCount, countTask); err != nil {
		return fmt.Errorf("register %s: %w", taskCount, err)
	}
	if err := m.CreateTaskQueue(ctx, taskProgress, progressTask(m)); err != nil {
		return fmt.Errorf("register %s: %w", taskProgress, err)
	}
	return nil
}

// countTask echoes the submitted count.
func countTask(_ context.Context, st *taskpoll.TaskState) (taskpoll.Properties, error) {
	return taskpoll.Properties{TaskResults: map[string]any{
		"success": true,
		"count":   st.TaskData["count"],
	}}, nil
}

// progressTask reports nine intermediate ticks before completing.
func progressTask(m *taskpoll.Manager) taskpoll.TaskHandler {
	return func(ctx context.Context, st *taskpoll.TaskState) (taskpoll.Properties, error) {
		for i := 1; i <= 9; i++ {
			select {
			case <-ctx.Done():
				return taskpoll.Properties{}, ctx.Err()
			case <-time.After(progressStep):
			}
			if _, err := m.UpdateTaskState(ctx, st.ID, taskpoll.ProgressOnly(float64(i)/10)); err != nil {
				return taskpoll.Properties{}, err
			}
		}
		return taskpoll.Properties{TaskResults: map[string]any{"ticks": 9}}, nil
	}
}
