// SPDX-License-Identifier: GPL-3.0-or-later

package echo_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbmk-project/simsock/internal/echo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run parses args and runs the echo command.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := echo.NewCommand(&stdout, &stderr)
	err := cmd.ParseAndRun(context.Background(), args)
	return stdout.String(), err
}

func TestStream(t *testing.T) {
	out, err := run(t, "-messages", "20", "-size", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "protocol=tcp messages=20 bytes=20000 ")
	assert.Contains(t, out, "retransmissions=0 ")
}

func TestDatagram(t *testing.T) {
	out, err := run(t, "-protocol", "udp", "-messages", "5", "-size", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "protocol=udp messages=5 bytes=500 ")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	topology := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(topology, []byte(`
hosts:
  - name: alice
    addresses: [192.168.1.1]
  - name: bob
    addresses: [192.168.1.2]
    bufferSize: 4096
links:
  - left: alice
    right: bob
    capacity: 2048
`), 0600))
	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte(
		"messages: 4\nsize: 3000\nclient: alice\nserver: bob\nscenario: "+topology+"\n",
	), 0600))

	out, err := run(t, "-config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "protocol=tcp messages=4 bytes=12000 ")
}

func TestEnvironment(t *testing.T) {
	t.Setenv("SIMSOCK_PROTOCOL", "udp")
	t.Setenv("SIMSOCK_MESSAGES", "2")
	out, err := run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "protocol=udp messages=2 ")
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown protocol", []string{"-protocol", "sctp"}},
		{"no messages", []string{"-messages", "0"}},
		{"invalid port", []string{"-port", "70000"}},
		{"unknown host", []string{"-client", "carol"}},
		{"missing topology", []string{"-scenario", "/nonexistent/topology.yaml"}},
		{"datagram too large", []string{"-protocol", "udp", "-size", "70000"}},
		{"too few rounds", []string{"-rounds", "2"}},
		{"extra arguments", []string{"now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Empty(t, out)
		})
	}
}
