package identity

import (
	"regexp"
	"strconv"
	"strings"
)

// uaVersionPattern pulls the dotted version out of a CLI User-Agent.
var uaVersionPattern = regexp.MustCompile(`/([\d.]+)`)

// ParseUAVersion extracts the version from a "name/1.0.110 ..." User-Agent.
func ParseUAVersion(ua string) string {
	m := uaVersionPattern.FindStringSubmatch(ua)
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(m[1], ".")
}

// IsNewerVersion returns true if a is semantically newer than b.
// Compares dot-separated numeric segments left to right; missing parts
// count as zero.
func IsNewerVersion(a, b string) bool {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	maxLen := len(aParts)
	if len(bParts) > maxLen {
		maxLen = len(bParts)
	}

	for i := 0; i < maxLen; i++ {
		av, bv := 0, 0
		if i < len(aParts) {
			av, _ = strconv.Atoi(aParts[i])
		}
		if i < len(bParts) {
			bv, _ = strconv.Atoi(bParts[i])
		}
		if av > bv {
			return true
		}
		if av < bv {
			return false
		}
	}
	return false
}
