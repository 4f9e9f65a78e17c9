package compress

import (
	"fmt"
	"regexp"

	"github.com/clopca/open-mem/internal/types"
)

// fallbackTypeByTool maps tool names onto observation types when no model is
// available to classify the output.
var fallbackTypeByTool = map[string]types.ObservationType{
	"Read":      types.TypeDiscovery,
	"Grep":      types.TypeDiscovery,
	"Glob":      types.TypeDiscovery,
	"Write":     types.TypeChange,
	"Edit":      types.TypeChange,
	"MultiEdit": types.TypeChange,
	"Bash":      types.TypeChange,
}

// pathPattern is deliberately conservative: a slash-separated token ending in
// a short extension. Better to miss a path than to invent one.
var pathPattern = regexp.MustCompile(`[\w.\-~]*(?:/[\w.\-~]+)+\.\w{1,8}`)

const fallbackImportance = 2

// Fallback builds a deterministic observation from tool output without any
// model call. Used when compression is disabled, the provider is down, or
// its output was unparseable.
func Fallback(tool, output string) *types.Observation {
	typ, ok := fallbackTypeByTool[tool]
	if !ok {
		typ = types.TypeDiscovery
	}

	files := uniqueMatches(pathPattern, output, 20)

	obs := &types.Observation{
		Type:       typ,
		Title:      fmt.Sprintf("%s execution", tool),
		Narrative:  fmt.Sprintf("%s produced %d characters of output.", tool, len(output)),
		Tool:       tool,
		Importance: fallbackImportance,
	}
	if typ == types.TypeChange {
		obs.FilesModified = files
	} else {
		obs.FilesRead = files
	}
	return obs
}

func uniqueMatches(re *regexp.Regexp, text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}
