package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpscope/mcpscope"
)

// serverTask is the server-side record of one augmented long-op call.
type serverTask struct {
	s *Server

	mu     sync.Mutex
	task   mcpscope.Task
	result mcpscope.CallToolResult
	cancel context.CancelFunc
}

type taskStatusParams struct {
	Task mcpscope.Task `json:"task"`
}

// startLongOpTask accepts an augmented long-op call: it registers a working
// task, kicks off the operation in the background, and returns the task
// reference for the immediate reply.
func (s *Server) startLongOpTask(params mcpscope.CallToolParams) mcpscope.Task {
	args, err := decodeLongOpArgs(context.Background(), params)
	if err != nil {
		args = longOpArgs{Duration: 100, Steps: 5}
	}

	now := time.Now().UTC()
	pollInterval := int64(50)
	task := mcpscope.Task{
		TaskID:        uuid.New().String(),
		Status:        mcpscope.TaskStatusWorking,
		StatusMessage: "running",
		CreatedAt:     now,
		LastUpdatedAt: now,
		PollInterval:  &pollInterval,
	}
	if params.Task != nil {
		task.TTL = params.Task.TTL
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &serverTask{
		s:      s,
		task:   task,
		cancel: cancel,
	}

	s.tasksMu.Lock()
	s.tasks[task.TaskID] = st
	s.tasksMu.Unlock()

	go st.run(runCtx, args)
	return task
}

func (st *serverTask) run(ctx context.Context, args longOpArgs) {
	select {
	case <-ctx.Done():
		// Cancellation already latched the terminal state.
		return
	case <-st.s.done:
		st.settle(mcpscope.TaskStatusFailed, "server closed", mcpscope.CallToolResult{})
		return
	case <-time.After(time.Duration(args.Duration) * time.Millisecond):
	}

	st.settle(mcpscope.TaskStatusCompleted, "done", mcpscope.CallToolResult{
		Content: []mcpscope.Content{
			{
				Type: mcpscope.ContentTypeText,
				Text: fmt.Sprintf("Long operation completed in %.0fms over %.0f steps", args.Duration, args.Steps),
			},
		},
	})
}

// settle latches a terminal state and pushes a status notification. Once a
// task is terminal, later settles are ignored.
func (st *serverTask) settle(status mcpscope.TaskStatus, message string, result mcpscope.CallToolResult) {
	st.mu.Lock()
	if st.task.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.task.Status = status
	st.task.StatusMessage = message
	st.task.LastUpdatedAt = time.Now().UTC()
	st.result = result
	task := st.task
	st.mu.Unlock()

	st.s.notify("notifications/tasks/status", taskStatusParams{Task: task})
}

func (st *serverTask) snapshot() mcpscope.Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.task
}

func (s *Server) lookupTask(id mcpscope.MustString, raw json.RawMessage) (*serverTask, bool) {
	var params mcpscope.GetTaskParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		s.replyErr(id, -32602, "Invalid params")
		return nil, false
	}

	s.tasksMu.Lock()
	st, ok := s.tasks[params.TaskID]
	s.tasksMu.Unlock()
	if !ok {
		s.replyErr(id, -32602, fmt.Sprintf("task not found: %s", params.TaskID))
		return nil, false
	}
	return st, true
}

func (s *Server) handleGetTask(msg mcpscope.JSONRPCMessage) {
	st, ok := s.lookupTask(msg.ID, msg.Params)
	if !ok {
		return
	}
	s.reply(msg.ID, st.snapshot())
}

func (s *Server) handleTaskResult(msg mcpscope.JSONRPCMessage) {
	st, ok := s.lookupTask(msg.ID, msg.Params)
	if !ok {
		return
	}

	st.mu.Lock()
	status := st.task.Status
	result := st.result
	st.mu.Unlock()

	switch status {
	case mcpscope.TaskStatusCompleted:
		s.reply(msg.ID, result)
	case mcpscope.TaskStatusFailed, mcpscope.TaskStatusCancelled:
		s.replyErr(msg.ID, -32602, fmt.Sprintf("task %s did not complete", status))
	default:
		s.replyErr(msg.ID, -32602, "task is still running")
	}
}

func (s *Server) handleCancelTask(msg mcpscope.JSONRPCMessage) {
	st, ok := s.lookupTask(msg.ID, msg.Params)
	if !ok {
		return
	}

	if !st.snapshot().Status.Terminal() {
		st.settle(mcpscope.TaskStatusCancelled, "cancelled by client", mcpscope.CallToolResult{})
		st.cancel()
	}
	s.reply(msg.ID, st.snapshot())
}

func (s *Server) handleListTasks(msg mcpscope.JSONRPCMessage) {
	s.tasksMu.Lock()
	tasks := make([]mcpscope.Task, 0, len(s.tasks))
	for _, st := range s.tasks {
		tasks = append(tasks, st.snapshot())
	}
	s.tasksMu.Unlock()

	s.reply(msg.ID, mcpscope.ListTasksResult{Tasks: tasks})
}
