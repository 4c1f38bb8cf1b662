package projecttree

import "strings"

// MaxNameLength caps normalized folder and project names, in runes.
const MaxNameLength = 64

// Fallback names for empty input.
const (
	DefaultFolderName  = "New Folder"
	DefaultProjectName = "New Project"
)

// NormalizeName trims, collapses inner whitespace runs to one space and
// caps the result at MaxNameLength runes. Empty input yields fallback.
func NormalizeName(name, fallback string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	if collapsed == "" {
		return fallback
	}
	runes := []rune(collapsed)
	if len(runes) > MaxNameLength {
		collapsed = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return collapsed
}
