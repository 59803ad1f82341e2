package main

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIBasicCommands(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		expectHelp bool
	}{
		{name: "root help", args: []string{"--help"}, expectHelp: true},
		{name: "run help", args: []string{"run", "--help"}, expectHelp: true},
		{name: "worker help", args: []string{"worker", "--help"}, expectHelp: true},
		{name: "status help", args: []string{"status", "--help"}, expectHelp: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rootCmd.SetOut(&buf)
			rootCmd.SetErr(&buf)
			rootCmd.SetArgs(tt.args)

			err := rootCmd.Execute()
			require.NoError(t, err)

			if tt.expectHelp {
				assert.Contains(t, buf.String(), "Usage:")
				assert.Contains(t, buf.String(), "taskforge")
			}
		})
	}
}

func TestRunCommandPortFlagBindsToViper(t *testing.T) {
	viper.Reset()
	viper.BindPFlag("server.port", runCmd.Flags().Lookup("port"))

	err := runCmd.ParseFlags([]string{"--port", "9090"})
	require.NoError(t, err)
	assert.Equal(t, "9090", viper.GetString("server.port"))
}

func TestStatusCommandExists(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "status", cmd.Name())
}
