package scoring

import "strings"

// Matches reports whether generated equals one of expected or contains one of
// them. Comparison is case-sensitive. An empty expected set never matches.
func Matches(generated string, expected []string) bool {
	for _, want := range expected {
		if generated == want {
			return true
		}
	}
	for _, want := range expected {
		if want != "" && strings.Contains(generated, want) {
			return true
		}
	}
	return false
}
