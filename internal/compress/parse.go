package compress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clopca/open-mem/internal/types"
)

// tagPattern matches <tag>body</tag> pairs non-greedily across lines.
var tagPattern = regexp.MustCompile(`(?s)<([a-z_]+)>(.*?)</[a-z_]+>`)

// ParseObservation extracts an observation draft from model output. The
// extractor is lenient: it accepts either the tag format or a JSON object,
// ignores unknown fields, defaults an unknown type to discovery and a
// missing importance to 3. Returns nil when no title can be recovered.
func ParseObservation(text string) *types.Observation {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var draft *types.Observation
	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		draft = parseJSON(text)
	} else {
		draft = parseTags(text)
	}
	if draft == nil || strings.TrimSpace(draft.Title) == "" {
		return nil
	}

	if !types.ValidObservationType(draft.Type) {
		draft.Type = types.TypeDiscovery
	}
	draft.Importance = types.ClampImportance(draft.Importance)
	return draft
}

func parseTags(text string) *types.Observation {
	draft := &types.Observation{}
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		tag, body := m[1], strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		switch tag {
		case "type":
			draft.Type = types.ObservationType(strings.ToLower(body))
		case "title":
			draft.Title = body
		case "subtitle":
			draft.Subtitle = body
		case "narrative":
			draft.Narrative = body
		case "fact":
			draft.Facts = append(draft.Facts, body)
		case "concept":
			draft.Concepts = append(draft.Concepts, strings.ToLower(body))
		case "file_read":
			draft.FilesRead = append(draft.FilesRead, body)
		case "file_modified":
			draft.FilesModified = append(draft.FilesModified, body)
		case "importance":
			if n, err := strconv.Atoi(body); err == nil {
				draft.Importance = n
			}
		}
		// Unknown tags are ignored.
	}
	return draft
}

func parseJSON(text string) *types.Observation {
	root := gjson.Parse(text)
	draft := &types.Observation{
		Type:      types.ObservationType(strings.ToLower(root.Get("type").String())),
		Title:     root.Get("title").String(),
		Subtitle:  root.Get("subtitle").String(),
		Narrative: root.Get("narrative").String(),
	}
	if imp := root.Get("importance"); imp.Exists() {
		draft.Importance = int(imp.Int())
	}
	collect := func(path string) []string {
		var out []string
		for _, v := range root.Get(path).Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	draft.Facts = collect("facts")
	draft.Concepts = collect("concepts")
	draft.FilesRead = collect("files_read")
	draft.FilesModified = collect("files_modified")
	return draft
}
