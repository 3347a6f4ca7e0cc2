package tools

import (
	"fmt"
	"net/http"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// Build instantiates the named tools in order.
func Build(names []string, client *http.Client) ([]ports.Tool, error) {
	out := make([]ports.Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "web_fetch":
			out = append(out, NewWebFetchTool(client))
		case "web_search":
			out = append(out, NewWebSearchTool(client, ""))
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	}
	return out, nil
}
