package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"

	"github.com/mcpscope/mcpscope"
)

const (
	echoSchemaJSON = `{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`

	getSumSchemaJSON = `{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`

	getAnnotatedMessageSchemaJSON = `{
  "type": "object",
  "properties": {
    "messageType": { "type": "string", "enum": ["success", "error", "debug"] }
  },
  "required": ["messageType"]
}`

	longOpSchemaJSON = `{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "default": 100 },
    "steps": { "type": "number", "default": 5 }
  }
}`
)

var (
	echoSchema                = jsonschema.Must(echoSchemaJSON)
	getSumSchema              = jsonschema.Must(getSumSchemaJSON)
	getAnnotatedMessageSchema = jsonschema.Must(getAnnotatedMessageSchemaJSON)
	longOpSchema              = jsonschema.Must(longOpSchemaJSON)
)

var toolList = []mcpscope.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: json.RawMessage(echoSchemaJSON),
	},
	{
		Name:        "get-sum",
		Description: "Adds two numbers",
		InputSchema: json.RawMessage(getSumSchemaJSON),
	},
	{
		Name:        "get-annotated-message",
		Description: "Returns a message with audience and priority annotations",
		InputSchema: json.RawMessage(getAnnotatedMessageSchemaJSON),
	},
	{
		Name:        "long-op",
		Description: "A slow operation, optionally run as a task with progress updates",
		InputSchema: json.RawMessage(longOpSchemaJSON),
	},
}

func (s *Server) handleCallTool(ctx context.Context, msg mcpscope.JSONRPCMessage) {
	var params mcpscope.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}
	s.log(fmt.Sprintf("CallTool: %s", params.Name), mcpscope.LogLevelDebug)

	var (
		result mcpscope.CallToolResult
		err    error
	)
	switch params.Name {
	case "echo":
		result, err = s.callEcho(ctx, params)
	case "get-sum":
		result, err = s.callGetSum(ctx, params)
	case "get-annotated-message":
		result, err = s.callGetAnnotatedMessage(ctx, params)
	case "long-op":
		// Task augmentation turns the slow call into an immediate task
		// reference the client polls.
		if params.Task != nil {
			task := s.startLongOpTask(params)
			s.reply(msg.ID, mcpscope.CreateTaskResult{Task: task})
			return
		}
		result, err = s.callLongOp(ctx, params)
	default:
		s.replyErr(msg.ID, -32602, fmt.Sprintf("tool not found: %s", params.Name))
		return
	}

	if err != nil {
		s.replyErr(msg.ID, -32602, err.Error())
		return
	}
	s.reply(msg.ID, result)
}

func validateArgs(ctx context.Context, schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	keyErrs, err := schema.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("params validation failed: %w", err)
	}
	if len(keyErrs) > 0 {
		var errStr []string
		for _, ke := range keyErrs {
			errStr = append(errStr, ke.Message)
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}
	return nil
}

func (s *Server) callEcho(ctx context.Context, params mcpscope.CallToolParams) (mcpscope.CallToolResult, error) {
	if err := validateArgs(ctx, echoSchema, params.Arguments); err != nil {
		return mcpscope.CallToolResult{}, err
	}

	var args struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcpscope.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	return mcpscope.CallToolResult{
		Content: []mcpscope.Content{
			{
				Type: mcpscope.ContentTypeText,
				Text: fmt.Sprintf("Echo: %s", args.Message),
			},
		},
	}, nil
}

func (s *Server) callGetSum(ctx context.Context, params mcpscope.CallToolParams) (mcpscope.CallToolResult, error) {
	if err := validateArgs(ctx, getSumSchema, params.Arguments); err != nil {
		return mcpscope.CallToolResult{}, err
	}

	var args struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcpscope.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	return mcpscope.CallToolResult{
		Content: []mcpscope.Content{
			{
				Type: mcpscope.ContentTypeText,
				Text: strconv.FormatFloat(args.A+args.B, 'f', -1, 64),
			},
		},
	}, nil
}

func (s *Server) callGetAnnotatedMessage(
	ctx context.Context,
	params mcpscope.CallToolParams,
) (mcpscope.CallToolResult, error) {
	if err := validateArgs(ctx, getAnnotatedMessageSchema, params.Arguments); err != nil {
		return mcpscope.CallToolResult{}, err
	}

	var args struct {
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcpscope.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	var content mcpscope.Content
	switch args.MessageType {
	case "success":
		content = mcpscope.Content{
			Type: mcpscope.ContentTypeText,
			Text: "Operation completed successfully",
			Annotations: &mcpscope.Annotations{
				Audience: []mcpscope.Role{mcpscope.RoleUser},
				Priority: 0.7,
			},
		}
	case "error":
		content = mcpscope.Content{
			Type: mcpscope.ContentTypeText,
			Text: "Operation failed",
			Annotations: &mcpscope.Annotations{
				Audience: []mcpscope.Role{mcpscope.RoleUser, mcpscope.RoleAssistant},
				Priority: 1,
			},
		}
	case "debug":
		content = mcpscope.Content{
			Type: mcpscope.ContentTypeText,
			Text: "Debug: cache miss on lookup",
			Annotations: &mcpscope.Annotations{
				Audience: []mcpscope.Role{mcpscope.RoleAssistant},
				Priority: 0.3,
			},
		}
	}

	return mcpscope.CallToolResult{
		Content: []mcpscope.Content{content},
	}, nil
}

type longOpArgs struct {
	Duration float64 `json:"duration"`
	Steps    float64 `json:"steps"`
}

func decodeLongOpArgs(ctx context.Context, params mcpscope.CallToolParams) (longOpArgs, error) {
	if err := validateArgs(ctx, longOpSchema, params.Arguments); err != nil {
		return longOpArgs{}, err
	}

	args := longOpArgs{Duration: 100, Steps: 5}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return longOpArgs{}, fmt.Errorf("failed to decode arguments: %w", err)
		}
	}
	if args.Duration <= 0 {
		args.Duration = 100
	}
	if args.Steps <= 0 {
		args.Steps = 5
	}
	return args, nil
}

// callLongOp runs the operation synchronously, emitting progress along the
// way when the caller supplied a progress token. Duration is in milliseconds.
func (s *Server) callLongOp(ctx context.Context, params mcpscope.CallToolParams) (mcpscope.CallToolResult, error) {
	args, err := decodeLongOpArgs(ctx, params)
	if err != nil {
		return mcpscope.CallToolResult{}, err
	}

	progressToken, _ := params.Meta["progressToken"].(string)
	stepDuration := time.Duration(args.Duration/args.Steps) * time.Millisecond

	for i := 0; i < int(args.Steps); i++ {
		select {
		case <-ctx.Done():
			return mcpscope.CallToolResult{}, ctx.Err()
		case <-s.done:
			return mcpscope.CallToolResult{}, fmt.Errorf("server closed")
		case <-time.After(stepDuration):
		}

		if progressToken == "" {
			continue
		}
		s.notify("notifications/progress", mcpscope.ProgressParams{
			ProgressToken: mcpscope.MustString(progressToken),
			Progress:      float64(i + 1),
			Total:         args.Steps,
		})
	}

	return mcpscope.CallToolResult{
		Content: []mcpscope.Content{
			{
				Type: mcpscope.ContentTypeText,
				Text: fmt.Sprintf("Long operation completed in %.0fms over %.0f steps", args.Duration, args.Steps),
			},
		},
	}, nil
}
