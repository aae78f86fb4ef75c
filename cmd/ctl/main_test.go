package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteModeTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeModeTable(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1+6*3)
	assert.True(t, strings.HasPrefix(lines[0], "MODE"))

	assert.Equal(t, []string{"mandatory", "no_transaction", "rejected", "-", "-"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"never", "active", "rejected", "-", "-"}, strings.Fields(lines[5]))

	requiresNew := strings.Fields(lines[1+4*3+1])
	require.Len(t, requiresNew, 5)
	assert.Equal(t, "requires_new", requiresNew[0])
	assert.Equal(t, "active", requiresNew[1])
	assert.Equal(t, "suspend,begin", requiresNew[2])
}
