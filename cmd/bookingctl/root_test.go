package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"sweep-holds", "complete-events", "reconcile-orphans", "availability", "create-user"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--format", "yaml", "availability", "1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestAvailability_RejectsBadID(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"availability", "abc"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event id")
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, write(&buf, "json", map[string]int{"affected": 2}, "ignored"))
	assert.JSONEq(t, `{"affected":2}`, buf.String())

	buf.Reset()
	require.NoError(t, write(&buf, "text", nil, "sweep-holds: 2 affected"))
	assert.Equal(t, "sweep-holds: 2 affected\n", buf.String())
}
