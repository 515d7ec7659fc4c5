package camouflage

import (
	"regexp"
	"strconv"
	"strings"
)

// antigravityUAPattern matches the official client's User-Agent, e.g.
// "antigravity/1.16.5 windows/amd64" (see config.UpstreamUserAgent default).
var antigravityUAPattern = regexp.MustCompile(`^antigravity/([\d.]+)`)

// parseAntigravityVersion extracts the version segment from a camouflage
// user-agent string, or "" if it doesn't match the expected shape.
func parseAntigravityVersion(ua string) string {
	m := antigravityUAPattern.FindStringSubmatch(ua)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// replaceAntigravityVersion swaps the version segment of ua, leaving the
// platform suffix untouched.
func replaceAntigravityVersion(ua, newVersion string) string {
	return antigravityUAPattern.ReplaceAllString(ua, "antigravity/"+newVersion)
}

// IsNewerVersion reports whether a is semantically newer than b, comparing
// dot-separated numeric segments left to right (§4.8 version fetcher).
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
