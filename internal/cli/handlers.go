package cli

import (
	"context"
	"strings"

	"github.com/mcpscope/mcpscope"
)

// declineElicitation answers elicitation requests with a decline. One-shot
// runs have nobody to ask, but declaring the capability lets servers degrade
// gracefully instead of failing the call.
type declineElicitation struct{}

func (declineElicitation) Elicit(_ context.Context, _ mcpscope.ElicitParams) (mcpscope.ElicitResult, error) {
	return mcpscope.ElicitResult{Action: mcpscope.ElicitActionDecline}, nil
}

// staticRoots serves a fixed root list from --root flags.
type staticRoots []mcpscope.Root

func (r staticRoots) RootsList(_ context.Context) (mcpscope.RootList, error) {
	return mcpscope.RootList{Roots: r}, nil
}

// parseRoots turns "uri" or "uri=name" flags into roots.
func parseRoots(raw []string) []mcpscope.Root {
	roots := make([]mcpscope.Root, 0, len(raw))
	for _, entry := range raw {
		uri, name, _ := strings.Cut(entry, "=")
		if uri == "" {
			continue
		}
		roots = append(roots, mcpscope.Root{URI: uri, Name: name})
	}
	return roots
}
