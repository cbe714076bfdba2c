// SPDX-License-Identifier: MPL-2.0

package compose

import "strings"

// hostnameMax is the DNS label limit.
const hostnameMax = 63

// Mkhostname sanitizes s into a valid container hostname: lowercase,
// [a-z0-9-] only, runs of '-' collapsed, trimmed, never empty, at most
// 63 bytes.
func Mkhostname(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if !ok {
			r = '-'
		}
		if r == '-' {
			if lastDash {
				continue
			}
			lastDash = true
		} else {
			lastDash = false
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "gw"
	}
	if len(out) > hostnameMax {
		out = out[:hostnameMax]
		out = strings.TrimRight(out, "-")
		if out == "" {
			return "gw"
		}
	}
	return out
}
