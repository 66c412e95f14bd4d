package rag

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/vector"
)

const (
	defaultInjectTemplate = "Relevant context retrieved for this conversation:\n\n{{results}}"
	defaultResultFormat   = "[{{id}}] (score {{score}}) {{payload.content}}"
)

var payloadToken = regexp.MustCompile(`\{\{payload\.([^}]+)\}\}`)

// FormatResults renders the retrieved results into the injection text.
// Both templates fall back to defaults when empty.
func FormatResults(results []vector.Result, injectTemplate, resultFormat string) string {
	if injectTemplate == "" {
		injectTemplate = defaultInjectTemplate
	}
	if resultFormat == "" {
		resultFormat = defaultResultFormat
	}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, formatResult(resultFormat, r))
	}
	return strings.ReplaceAll(injectTemplate, "{{results}}", strings.Join(lines, "\n"))
}

func formatResult(format string, r vector.Result) string {
	out := strings.ReplaceAll(format, "{{id}}", r.ID)
	out = strings.ReplaceAll(out, "{{score}}", strconv.FormatFloat(float64(r.Score), 'f', -1, 32))
	return payloadToken.ReplaceAllStringFunc(out, func(token string) string {
		path := payloadToken.FindStringSubmatch(token)[1]
		return lookupPath(r.Payload, strings.Split(path, "."))
	})
}

// lookupPath walks a dotted path through nested maps. Any miss or
// non-map in the middle of the chain yields "".
func lookupPath(payload map[string]any, path []string) string {
	var current any = payload
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[key]
		if !ok || current == nil {
			return ""
		}
	}
	switch v := current.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
