// SPDX-License-Identifier: MIT

package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		exitOK bool
		output string
		want   Outcome
	}{
		{"clean exit", true, "", OutcomeSuccess},
		{"clean exit with noise", true, "warnings everywhere", OutcomeSuccess},
		{"absent stream", false, "error: No playable streams found on this URL: twitch.tv/x", OutcomeNoStream},
		{"absent stream alt wording", false, "error: No streams found on this URL", OutcomeNoStream},
		{"real failure", false, "error: Unable to open URL: connection refused", OutcomeError},
		{"failure empty output", false, "", OutcomeError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.exitOK, tc.output))
		})
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "boom", firstLine("boom\nand then\nmany more lines"))
	assert.Equal(t, "late", firstLine("\n\r\n  \nlate\nrest"))
	assert.Equal(t, "", firstLine(""))
}
