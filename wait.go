package taskpoll

import (
	"context"
	"errors"
	"time"
)

// WaitForChange blocks until task id changes relative to checkpoint since, the bound
// elapses or ctx is done. It returns the latest state it observed. ErrTaskNotFound is
// returned when the task is gone; ctx.Err() when ctx ended first.
//
// The subscription is taken before the state is read, so a change landing between
// the read and the wait is not lost.
func (m *Manager) WaitForChange(ctx context.Context, id string, since int64, bound time.Duration) (*TaskState, error) {
	sub := m.hub.subscribe(id)
	defer sub.Close()

	st, err := m.GetTaskState(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsChanged(since) {
		return st, nil
	}
	// a restarted process learns the queue from the first poll it suspends
	if _, err := m.reg.ensure(ctx, st.Name); err != nil {
		m.log.Debugf("waiting without progress listener: name=%s err=%v", st.Name, err)
	}

	timer := time.NewTimer(bound)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-timer.C:
			return st, nil
		case next := <-sub.C():
			if next == nil {
				next, err = m.GetTaskState(ctx, id)
				if errors.Is(err, ErrTaskNotFound) {
					return nil, err
				}
				if err != nil {
					m.log.Warnf("state reload failed: task=%s err=%v", id, err)
					continue
				}
			}
			if next.Timestamp >= st.Timestamp {
				st = next
			}
			if st.IsChanged(since) {
				return st, nil
			}
		}
	}
}
