package mcpscope

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// taskServer scripts the server side of a task lifecycle over a
// fakeTransport: tools/call creates the task, successive tasks/get calls walk
// through the configured status sequence, tasks/result serves the final
// payload.
type taskServer struct {
	mu       sync.Mutex
	task     Task
	result   CallToolResult
	statuses []TaskStatus
	getCalls int
	cancels  int
}

func (ts *taskServer) respond(ft *fakeTransport, msg JSONRPCMessage) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch msg.Method {
	case MethodToolsCall:
		ft.reply(msg.ID, CreateTaskResult{Task: ts.task})
	case MethodTasksGet:
		if len(ts.statuses) > 0 {
			ts.task.Status = ts.statuses[0]
			if len(ts.statuses) > 1 {
				ts.statuses = ts.statuses[1:]
			}
		}
		ts.getCalls++
		ft.reply(msg.ID, ts.task)
	case MethodTasksResult:
		ft.reply(msg.ID, ts.result)
	case MethodTasksCancel:
		ts.cancels++
		ts.task.Status = TaskStatusCancelled
		ft.reply(msg.ID, ts.task)
	}
}

func newTaskSession(t *testing.T, ts *taskServer) (*Session, *TaskManager) {
	t.Helper()
	sess, _ := connectedSession(t, ts.respond)
	return sess, NewTaskManager(sess)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestCallToolAsTaskShortCircuit(t *testing.T) {
	// A server free to answer the augmented call with a plain result.
	sess, _ := connectedSession(t, func(ft *fakeTransport, msg JSONRPCMessage) {
		ft.reply(msg.ID, CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: "immediate"}},
		})
	})
	manager := NewTaskManager(sess)

	handle, result, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "echo"}, 0)
	require.NoError(t, err)
	assert.Nil(t, handle)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "immediate", result.Content[0].Text)
}

func TestCallToolAsTaskPollsToCompletion(t *testing.T) {
	ts := &taskServer{
		task: Task{
			TaskID:       "task-1",
			Status:       TaskStatusWorking,
			PollInterval: int64Ptr(1),
		},
		result: CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: "42"}},
		},
		statuses: []TaskStatus{TaskStatusWorking, TaskStatusCompleted},
	}
	_, manager := newTaskSession(t, ts)

	handle, immediate, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "get-sum"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Nil(t, immediate)
	assert.Equal(t, "task-1", handle.TaskID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "42", result.Content[0].Text)
	assert.False(t, result.IsError)

	snap := handle.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)
	assert.True(t, snap.Status.Terminal())
}

func TestTaskStatusNotificationSettlesWithoutPolling(t *testing.T) {
	ts := &taskServer{
		task: Task{TaskID: "task-2", Status: TaskStatusWorking},
		result: CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: "pushed"}},
		},
	}
	sess, manager := newTaskSession(t, ts)

	handle, _, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "long-op"}, 0)
	require.NoError(t, err)
	require.NotNil(t, handle)

	// The server pushes the terminal status before the first poll fires.
	params, err := json.Marshal(Task{TaskID: "task-2", Status: TaskStatusCompleted})
	require.NoError(t, err)
	sess.Router().handleNotification(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsTasksStatus,
		Params:  params,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "pushed", result.Content[0].Text)
}

func TestTaskTerminalStatusLatches(t *testing.T) {
	ts := &taskServer{
		task:   Task{TaskID: "task-3", Status: TaskStatusWorking},
		result: CallToolResult{},
	}
	sess, manager := newTaskSession(t, ts)

	handle, _, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "long-op"}, 0)
	require.NoError(t, err)
	require.NotNil(t, handle)

	push := func(status TaskStatus) {
		params, err := json.Marshal(Task{TaskID: "task-3", Status: status})
		require.NoError(t, err)
		sess.Router().handleNotification(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsTasksStatus,
			Params:  params,
		})
	}

	push(TaskStatusCancelled)
	<-handle.Done()

	// A late, contradictory update must not revive the task.
	push(TaskStatusWorking)
	assert.Equal(t, TaskStatusCancelled, handle.Snapshot().Status)
}

func TestTaskFailureSynthesizesErrorResult(t *testing.T) {
	ts := &taskServer{
		task: Task{TaskID: "task-4", Status: TaskStatusWorking},
	}
	sess, manager := newTaskSession(t, ts)

	handle, _, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "long-op"}, 0)
	require.NoError(t, err)
	require.NotNil(t, handle)

	params, err := json.Marshal(Task{
		TaskID:        "task-4",
		Status:        TaskStatusFailed,
		StatusMessage: "out of disk",
	})
	require.NoError(t, err)
	sess.Router().handleNotification(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsTasksStatus,
		Params:  params,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "out of disk", result.Content[0].Text)
}

func TestCancelTaskAfterTerminalIsLocal(t *testing.T) {
	ts := &taskServer{
		task:   Task{TaskID: "task-5", Status: TaskStatusWorking},
		result: CallToolResult{},
	}
	sess, manager := newTaskSession(t, ts)

	handle, _, err := manager.CallToolAsTask(context.Background(), CallToolParams{Name: "long-op"}, 0)
	require.NoError(t, err)
	require.NotNil(t, handle)

	params, err := json.Marshal(Task{TaskID: "task-5", Status: TaskStatusCompleted})
	require.NoError(t, err)
	sess.Router().handleNotification(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsTasksStatus,
		Params:  params,
	})
	<-handle.Done()

	task, err := manager.CancelTask(context.Background(), "task-5")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)

	ts.mu.Lock()
	cancels := ts.cancels
	ts.mu.Unlock()
	assert.Zero(t, cancels, "server must not be contacted for a settled task")
}

func TestClampPollInterval(t *testing.T) {
	tests := []struct {
		name      string
		suggested *int64
		want      time.Duration
	}{
		{"no suggestion", nil, defaultPollInterval},
		{"below floor", int64Ptr(1), minPollInterval},
		{"above ceiling", int64Ptr(time.Hour.Milliseconds()), maxPollInterval},
		{"in range", int64Ptr(5000), 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampPollInterval(tt.suggested))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusWorking.Terminal())
	assert.False(t, TaskStatusInputRequired.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
}
