package taskpoll

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/taskpoll/jobqueue"
)

// TaskHandler runs the work of one task. The returned properties are merged into the
// task when it is finalized; an error or panic finalizes it with an error result.
// Handlers report intermediate progress with UpdateTaskState.
type TaskHandler func(ctx context.Context, st *TaskState) (Properties, error)

// adapt wraps h as a job handler. Whatever h does, the task ends completed. Only a
// failure to read or finalize the task is reported to the job queue.
func (m *Manager) adapt(name string, h TaskHandler) jobqueue.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var p jobPayload
		if err := m.queues.Encoder().Decode(payload, &p); err != nil || p.TaskID == "" {
			m.log.Errorf("invalid task job payload: queue=%s err=%v", name, err)
			return nil
		}

		st, err := m.GetTaskState(ctx, p.TaskID)
		if errors.Is(err, ErrTaskNotFound) {
			m.log.Warnf("task vanished before its job ran: task=%s queue=%s", p.TaskID, name)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", p.TaskID, err)
		}

		props, herr := invoke(ctx, h, st)
		if herr != nil {
			m.log.Warnf("task handler failed: task=%s queue=%s err=%v", st.ID, name, herr)
			props = failure(herr)
		}
		props.Progress = ProgressOnly(1).Progress

		if _, err := m.UpdateTaskState(ctx, st.ID, props); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				m.log.Warnf("task vanished before finalize: task=%s queue=%s", st.ID, name)
				return nil
			}
			m.log.Errorf("task finalize failed: task=%s queue=%s err=%v", st.ID, name, err)
			return fmt.Errorf("finalize task %s: %w", st.ID, err)
		}
		m.log.Debugf("task finalized: task=%s queue=%s failed=%t", st.ID, name, herr != nil)
		return nil
	}
}

func invoke(ctx context.Context, h TaskHandler, st *TaskState) (props Properties, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, st)
}
