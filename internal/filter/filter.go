// Package filter suppresses Signal delivery for messages containing
// configured substrings.
package filter

import "strings"

// minEntryLength is the shortest entry that takes part in matching.
// Shorter entries would match almost anything.
const minEntryLength = 3

// Split turns the comma-delimited configuration value into entries.
func Split(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// IsFiltered reports whether text contains any usable entry as a literal
// substring. Entries of two characters or fewer are ignored.
func IsFiltered(text string, entries []string) bool {
	for _, entry := range entries {
		if len(entry) < minEntryLength {
			continue
		}
		if strings.Contains(text, entry) {
			return true
		}
	}
	return false
}
