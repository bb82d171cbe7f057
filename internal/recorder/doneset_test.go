// SPDX-License-Identifier: MIT

package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoneSetRoundTrip(t *testing.T) {
	d := NewDoneSet(t.TempDir())

	set, err := d.Load("job-1")
	require.NoError(t, err)
	assert.Empty(t, set)

	require.NoError(t, d.Mark("job-1", "https://a/1.m3u8"))
	require.NoError(t, d.Mark("job-1", "https://a/2.m3u8"))
	// Marking twice is a no-op.
	require.NoError(t, d.Mark("job-1", "https://a/1.m3u8"))

	set, err = d.Load("job-1")
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, "https://a/1.m3u8")

	// Jobs are isolated.
	other, err := d.Load("job-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDoneSetRemove(t *testing.T) {
	d := NewDoneSet(t.TempDir())
	require.NoError(t, d.Mark("job-1", "x"))
	require.NoError(t, d.Remove("job-1"))
	require.NoError(t, d.Remove("job-1"))

	set, err := d.Load("job-1")
	require.NoError(t, err)
	assert.Empty(t, set)
}
