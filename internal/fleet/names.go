package fleet

import (
	"regexp"
	"strconv"
	"strings"
)

// maxNameLength is the cloud VM name limit.
const maxNameLength = 63

var nameStrip = regexp.MustCompile(`[^-a-z0-9]+`)

// SanitizeName lowercases a prefix and collapses every run of
// characters outside [-a-z0-9] to a single dash, trimming dashes from
// the ends. A result starting with a digit gets a "w-" prefix; an empty
// result becomes "worker".
func SanitizeName(prefix string) string {
	s := nameStrip.ReplaceAllString(strings.ToLower(prefix), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "worker"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "w-" + s
	}
	if len(s) > maxNameLength {
		s = strings.TrimRight(s[:maxNameLength], "-")
	}
	return s
}

// MakeNames builds the deterministic instance names
// <sanitized-prefix>-<index> for index in [base, base+count), keeping
// each full name within the VM name limit.
func MakeNames(prefix string, base, count int) []string {
	sanitized := SanitizeName(prefix)
	names := make([]string, 0, count)
	for i := base; i < base+count; i++ {
		suffix := "-" + strconv.Itoa(i)
		head := sanitized
		if len(head)+len(suffix) > maxNameLength {
			head = strings.TrimRight(head[:maxNameLength-len(suffix)], "-")
		}
		names = append(names, head+suffix)
	}
	return names
}
