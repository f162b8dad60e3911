package everything

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mcpscope/mcpscope"
)

var resourceList = genResources()

var resourceTemplates = []mcpscope.ResourceTemplate{
	{
		URITemplate: "test://static/resource/{resourceId}",
		Name:        "Static Resource",
		Description: "A static resource with a numeric ID",
	},
}

func genResources() []mcpscope.Resource {
	var resources []mcpscope.Resource
	for i := 0; i < 10; i++ {
		uri := fmt.Sprintf("test://static/resource/%d", i+1)
		if i%2 == 0 {
			resources = append(resources, mcpscope.Resource{
				URI:      uri,
				Name:     fmt.Sprintf("Resource %d", i+1),
				MimeType: "text/plain",
			})
		} else {
			resources = append(resources, mcpscope.Resource{
				URI:      uri,
				Name:     fmt.Sprintf("Resource %d", i+1),
				MimeType: "application/octet-stream",
			})
		}
	}
	return resources
}

func resourceContents(uri string, index int) mcpscope.ResourceContents {
	if index%2 == 0 {
		return mcpscope.ResourceContents{
			URI:      uri,
			MimeType: "text/plain",
			Text:     fmt.Sprintf("Resource %d: This is a plaintext resource", index+1),
		}
	}
	buf := fmt.Sprintf("Resource %d: This is a base64 blob", index+1)
	return mcpscope.ResourceContents{
		URI:      uri,
		MimeType: "application/octet-stream",
		Blob:     base64.StdEncoding.EncodeToString([]byte(buf)),
	}
}

func (s *Server) handleReadResource(msg mcpscope.JSONRPCMessage) {
	var params mcpscope.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}

	for i, res := range resourceList {
		if res.URI != params.URI {
			continue
		}
		s.reply(msg.ID, mcpscope.ReadResourceResult{
			Contents: []mcpscope.ResourceContents{resourceContents(res.URI, i)},
		})
		return
	}
	s.replyErr(msg.ID, -32602, fmt.Sprintf("resource not found: %s", params.URI))
}

func (s *Server) handleSubscribe(msg mcpscope.JSONRPCMessage) {
	var params mcpscope.SubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}
	s.subs.Store(params.URI, struct{}{})
	s.reply(msg.ID, struct{}{})

	// Echo one update so subscribing clients have something to observe.
	s.notify("notifications/resources/updated", struct {
		URI string `json:"uri"`
	}{URI: params.URI})
}

func (s *Server) handleUnsubscribe(msg mcpscope.JSONRPCMessage) {
	var params mcpscope.UnsubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}
	s.subs.Delete(params.URI)
	s.reply(msg.ID, struct{}{})
}
