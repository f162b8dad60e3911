package everything

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcpscope/mcpscope"
)

var promptList = []mcpscope.Prompt{
	{
		Name:        "simple-prompt",
		Description: "A prompt without arguments",
	},
	{
		Name:        "complex-prompt",
		Description: "A prompt with arguments",
		Arguments: []mcpscope.PromptArgument{
			{
				Name:        "temperature",
				Description: "Temperature setting",
				Required:    true,
			},
			{
				Name:        "style",
				Description: "Output style",
			},
		},
	},
}

func (s *Server) handleGetPrompt(msg mcpscope.JSONRPCMessage) {
	var params mcpscope.GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}

	switch params.Name {
	case "simple-prompt":
		s.reply(msg.ID, mcpscope.GetPromptResult{
			Description: "A simple prompt",
			Messages: []mcpscope.PromptMessage{
				{
					Role: mcpscope.RoleUser,
					Content: mcpscope.Content{
						Type: mcpscope.ContentTypeText,
						Text: "This is a simple prompt without arguments.",
					},
				},
			},
		})
	case "complex-prompt":
		s.reply(msg.ID, mcpscope.GetPromptResult{
			Description: "A complex prompt",
			Messages: []mcpscope.PromptMessage{
				{
					Role: mcpscope.RoleUser,
					Content: mcpscope.Content{
						Type: mcpscope.ContentTypeText,
						Text: fmt.Sprintf(
							"Complex prompt with temperature=%s and style=%s",
							params.Arguments["temperature"], params.Arguments["style"],
						),
					},
				},
			},
		})
	default:
		s.replyErr(msg.ID, -32602, fmt.Sprintf("prompt not found: %s", params.Name))
	}
}

var styleCompletions = []string{"casual", "formal", "friendly", "technical"}

func (s *Server) handleComplete(msg mcpscope.JSONRPCMessage) {
	var params mcpscope.CompletesCompletionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}

	var candidates []string
	switch params.Ref.Type {
	case mcpscope.CompletionRefPrompt:
		if params.Ref.Name == "complex-prompt" && params.Argument.Name == "style" {
			candidates = styleCompletions
		}
	case mcpscope.CompletionRefResource:
		for i := 1; i <= len(resourceList); i++ {
			candidates = append(candidates, strconv.Itoa(i))
		}
	default:
		s.replyErr(msg.ID, -32602, fmt.Sprintf("unknown completion ref type: %s", params.Ref.Type))
		return
	}

	var res mcpscope.CompletionResult
	res.Completion.Values = []string{}
	for _, c := range candidates {
		if strings.HasPrefix(c, params.Argument.Value) {
			res.Completion.Values = append(res.Completion.Values, c)
		}
	}
	res.Completion.Total = len(res.Completion.Values)
	s.reply(msg.ID, res)
}
