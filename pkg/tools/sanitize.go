package tools

import "regexp"

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName rewrites a tool name so every character is in
// [A-Za-z0-9_-], the set all providers accept.
func SanitizeName(name string) string {
	return invalidNameChars.ReplaceAllString(name, "_")
}

// AliasMap maps sanitized tool names back to their originals. Names
// that are already clean are omitted.
func AliasMap(names []string) map[string]string {
	var aliases map[string]string
	for _, name := range names {
		sanitized := SanitizeName(name)
		if sanitized == name {
			continue
		}
		if aliases == nil {
			aliases = make(map[string]string)
		}
		aliases[sanitized] = name
	}
	return aliases
}
