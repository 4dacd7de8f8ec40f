package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasRunSubcommand(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	require.Equal(t, "run", cmd.Name())
	assert.NotNil(t, cmd.RunE)
}

func TestRunSubcommand_SeesSharedFlags(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"config", "devices", "stream"} {
		assert.NotNil(t, cmd.InheritedFlags().Lookup(name), name)
	}
}
