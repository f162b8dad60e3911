package mcpscope

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Poll interval bounds. A misbehaving server must not induce a tight
	// poll loop, and an absurd suggestion must not make a task look stuck.
	minPollInterval     = 250 * time.Millisecond
	maxPollInterval     = 30 * time.Second
	defaultPollInterval = time.Second
)

// TaskManager drives task-augmented tool calls over a session: it requests
// augmentation, polls tasks/get until the task settles, merges pushed status
// notifications with poll responses, and fetches tasks/result for completed
// tasks. Terminal statuses latch; no update can revert one.
type TaskManager struct {
	sess   *Session
	logger zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*TaskHandle
}

// TaskManagerOption configures a TaskManager.
type TaskManagerOption func(*TaskManager)

// WithTaskLogger sets the logger the manager emits diagnostics to.
func WithTaskLogger(logger zerolog.Logger) TaskManagerOption {
	return func(m *TaskManager) {
		m.logger = logger
	}
}

// NewTaskManager creates a manager bound to the session. It subscribes to
// the session's router so pushed status notifications reach the handles.
func NewTaskManager(sess *Session, opts ...TaskManagerOption) *TaskManager {
	m := &TaskManager{
		sess:   sess,
		logger: zerolog.Nop(),
		tasks:  make(map[string]*TaskHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	sess.Router().OnNotification(m.handleNotification)
	return m
}

// TaskHandle is the local view of one augmented call. Snapshot exposes the
// latest known state; Wait blocks until the task settles and yields the
// final tool result.
type TaskHandle struct {
	taskID string
	m      *TaskManager

	mu     sync.Mutex
	task   Task
	result CallToolResult
	err    error

	done       chan struct{}
	doneOnce   sync.Once
	cancelPoll context.CancelFunc
}

// TaskID returns the server-assigned task identifier.
func (h *TaskHandle) TaskID() string {
	return h.taskID
}

// Snapshot returns the latest known task state.
func (h *TaskHandle) Snapshot() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// Done is closed once the task has settled.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task settles and returns the final tool result. For
// failed and cancelled tasks the result is a synthesized error result, not a
// Go error; errors are reserved for the machinery itself (connection loss,
// an unfetchable result, ctx cancellation).
func (h *TaskHandle) Wait(ctx context.Context) (CallToolResult, error) {
	select {
	case <-ctx.Done():
		return CallToolResult{}, &CancelledError{Reason: userCancelledReason}
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// CallToolAsTask invokes a tool with task augmentation. If the server
// answers with a task reference, polling starts immediately and the handle
// is returned. Servers are free to answer augmented calls with the plain
// tool result instead; that short-circuits into the second return value with
// no task created.
func (m *TaskManager) CallToolAsTask(
	ctx context.Context,
	params CallToolParams,
	ttl time.Duration,
) (*TaskHandle, *CallToolResult, error) {
	if params.Task == nil {
		params.Task = &TaskMetadata{}
	}
	if ttl > 0 {
		ttlMs := ttl.Milliseconds()
		params.Task.TTL = &ttlMs
	}

	var raw json.RawMessage
	if err := m.sess.Request(ctx, MethodToolsCall, params, &raw); err != nil {
		return nil, nil, err
	}

	var created struct {
		Task *Task `json:"task"`
	}
	if err := json.Unmarshal(raw, &created); err == nil && created.Task != nil && created.Task.TaskID != "" {
		return m.track(*created.Task), nil, nil
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, &ValidationError{Method: MethodToolsCall, Err: err}
	}
	return nil, &result, nil
}

// Get returns the handle for a tracked task.
func (m *TaskManager) Get(taskID string) (*TaskHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tasks[taskID]
	return h, ok
}

// Snapshots lists the latest known state of every tracked task.
func (m *TaskManager) Snapshots() []Task {
	m.mu.Lock()
	handles := make([]*TaskHandle, 0, len(m.tasks))
	for _, h := range m.tasks {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]Task, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// ListTasks asks the server for its task list.
func (m *TaskManager) ListTasks(ctx context.Context, params ListTasksParams) (ListTasksResult, error) {
	var res ListTasksResult
	err := m.sess.Request(ctx, MethodTasksList, params, &res)
	return res, err
}

// CancelTask requests cancellation of a tracked task. Cancelling a task that
// already settled is a no-op returning the latched state; the server is not
// contacted again.
func (m *TaskManager) CancelTask(ctx context.Context, taskID string) (Task, error) {
	h, ok := m.Get(taskID)
	if ok {
		if snap := h.Snapshot(); snap.Status.Terminal() {
			return snap, nil
		}
	}

	var task Task
	if err := m.sess.Request(ctx, MethodTasksCancel, GetTaskParams{TaskID: taskID}, &task); err != nil {
		return Task{}, err
	}

	if h != nil {
		m.applyUpdate(h, task)
		return h.Snapshot(), nil
	}
	return task, nil
}

func (m *TaskManager) track(task Task) *TaskHandle {
	pollCtx, cancel := context.WithCancel(context.Background())
	h := &TaskHandle{
		taskID:     task.TaskID,
		m:          m,
		task:       task,
		done:       make(chan struct{}),
		cancelPoll: cancel,
	}

	m.mu.Lock()
	m.tasks[task.TaskID] = h
	m.mu.Unlock()

	if task.Status.Terminal() {
		m.finalize(h, task.Status)
		return h
	}

	go m.poll(pollCtx, h)
	return h
}

func (m *TaskManager) poll(ctx context.Context, h *TaskHandle) {
	for {
		interval := clampPollInterval(h.Snapshot().PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-time.After(interval):
		}

		var task Task
		if err := m.sess.Request(ctx, MethodTasksGet, GetTaskParams{TaskID: h.taskID}, &task); err != nil {
			m.logger.Debug().Err(err).Str("task", h.taskID).Msg("poll failed")
			m.failLocal(h, err)
			return
		}

		if m.applyUpdate(h, task) {
			return
		}
	}
}

// applyUpdate merges one observed task state into the handle, from either a
// poll response or a pushed status notification. Returns true once the task
// has settled. Updates arriving after a terminal state are discarded.
func (m *TaskManager) applyUpdate(h *TaskHandle, task Task) bool {
	h.mu.Lock()
	if h.task.Status.Terminal() {
		h.mu.Unlock()
		return true
	}
	h.task.Status = task.Status
	h.task.StatusMessage = task.StatusMessage
	if !task.LastUpdatedAt.IsZero() {
		h.task.LastUpdatedAt = task.LastUpdatedAt
	}
	if task.PollInterval != nil {
		h.task.PollInterval = task.PollInterval
	}
	if task.TTL != nil {
		h.task.TTL = task.TTL
	}
	terminal := task.Status.Terminal()
	h.mu.Unlock()

	if terminal {
		m.finalize(h, task.Status)
	}
	return terminal
}

// finalize produces the handle's final result: the fetched tool result for
// completed tasks, a synthesized error result otherwise.
func (m *TaskManager) finalize(h *TaskHandle, status TaskStatus) {
	h.doneOnce.Do(func() {
		h.cancelPoll()

		switch status {
		case TaskStatusCompleted:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var result CallToolResult
			err := m.sess.Request(ctx, MethodTasksResult, GetTaskParams{TaskID: h.taskID}, &result)
			h.mu.Lock()
			if err != nil {
				h.err = err
			} else {
				h.result = result
			}
			h.mu.Unlock()
		default:
			h.mu.Lock()
			message := h.task.StatusMessage
			if message == "" {
				message = fmt.Sprintf("task %s", status)
			}
			h.result = CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: message}},
				IsError: true,
			}
			h.mu.Unlock()
		}

		close(h.done)
	})
}

// failLocal settles a handle when the machinery itself breaks, e.g. the
// connection drops mid-poll.
func (m *TaskManager) failLocal(h *TaskHandle, err error) {
	h.doneOnce.Do(func() {
		h.cancelPoll()
		h.mu.Lock()
		if !h.task.Status.Terminal() {
			h.task.Status = TaskStatusFailed
			h.task.StatusMessage = err.Error()
		}
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (m *TaskManager) handleNotification(n Notification) {
	if n.Method != methodNotificationsTasksStatus {
		return
	}

	var params struct {
		Task
	}
	if err := json.Unmarshal(n.Params, &params); err != nil || params.TaskID == "" {
		var wrapper struct {
			Task Task `json:"task"`
		}
		if err := json.Unmarshal(n.Params, &wrapper); err != nil || wrapper.Task.TaskID == "" {
			m.logger.Debug().Msg("unparseable task status notification")
			return
		}
		params.Task = wrapper.Task
	}

	h, ok := m.Get(params.TaskID)
	if !ok {
		return
	}
	m.applyUpdate(h, params.Task)
}

func clampPollInterval(suggested *int64) time.Duration {
	if suggested == nil {
		return defaultPollInterval
	}
	interval := time.Duration(*suggested) * time.Millisecond
	if interval < minPollInterval {
		return minPollInterval
	}
	if interval > maxPollInterval {
		return maxPollInterval
	}
	return interval
}
