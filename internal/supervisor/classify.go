// SPDX-License-Identifier: MIT

package supervisor

import "strings"

// fatalErrors and transientErrors are the verbatim substring lists recovered
// from the original instances.py (TRANSIENT_ERRORS / FATAL_ERRORS). The
// restart path requires transient && !fatal (SPEC_FULL.md §4.2).
var (
	fatalErrors = []string{
		"device not found",
		"no such file",
		"permission denied",
		"no element",
		"invalid pipeline",
		"encoder failure",
	}

	transientErrors = []string{
		"connection refused",
		"connection reset",
		"timeout",
		"buffer underrun",
		"temporary failure",
		"resource temporarily unavailable",
	}
)

// classify reports whether the stderr tail matches the transient and/or
// fatal substring lists. Matching is case-insensitive substring search,
// same as the Python original's plain `in` check against lowercased text.
func classify(stderrTail string) (transient, fatal bool) {
	lower := strings.ToLower(stderrTail)
	for _, s := range fatalErrors {
		if strings.Contains(lower, s) {
			fatal = true
			break
		}
	}
	for _, s := range transientErrors {
		if strings.Contains(lower, s) {
			transient = true
			break
		}
	}
	return transient, fatal
}

// shouldRetry implements the restart predicate from SPEC_FULL.md §4.2: the
// restart path requires transient && !fatal, subject to the caller also
// checking auto_restart and retry_count < max_retries.
func shouldRetry(stderrTail string) bool {
	transient, fatal := classify(stderrTail)
	return transient && !fatal
}
