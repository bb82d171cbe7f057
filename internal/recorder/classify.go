// SPDX-License-Identifier: MIT

package recorder

import "strings"

// Outcome classifies a finished capture invocation.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeNoStream Outcome = "no_stream"
	OutcomeError    Outcome = "error"
)

// noStreamMarkers are substrings the capture tool prints when the target is
// simply not live. Expected condition, logged at informational severity so
// operators are not paged for absent streams.
var noStreamMarkers = []string{
	"No playable streams found",
	"No streams found",
}

// Classify maps a capture exit to an outcome. exitOK is true when the
// subprocess returned code 0.
func Classify(exitOK bool, output string) Outcome {
	if exitOK {
		return OutcomeSuccess
	}
	for _, marker := range noStreamMarkers {
		if strings.Contains(output, marker) {
			return OutcomeNoStream
		}
	}
	return OutcomeError
}

// firstLine truncates diagnostic text to its first non-empty line; capture
// tool output can be enormous.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			return line
		}
	}
	return ""
}
