package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"MIC-TCP/pkg/mictcpstack"
	"MIC-TCP/pkg/substrate"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFromFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("acceptable_loss: 25\nbase_timeout: 50ms\n"), 0o600))

	opts := &options{configPath: path, mode: "client", local: "127.0.0.1:5000", peer: "localhost:6000"}
	p, err := opts.plan()
	require.NoError(t, err)
	assert.Equal(t, substrate.Client, p.mode)
	assert.Equal(t, 25, p.cfg.AcceptableLoss)
	assert.Equal(t, 50*time.Millisecond, p.cfg.BaseTimeout)
	assert.Equal(t, mictcpstack.Address{IP: "localhost", Port: 6000}, p.peer)
}

func TestPlanRejectsBadFlags(t *testing.T) {
	_, err := (&options{mode: "router", local: "127.0.0.1:5000"}).plan()
	assert.ErrorContains(t, err, "unknown mode")

	_, err = (&options{mode: "server", local: "127.0.0.1:80"}).plan()
	assert.True(t, errors.Is(err, mictcpstack.ErrInvalidAddress))

	_, err = (&options{mode: "client", local: "127.0.0.1:5000"}).plan()
	assert.ErrorContains(t, err, "--peer")

	// a server needs no peer
	_, err = (&options{mode: "server", local: "127.0.0.1:6000"}).plan()
	assert.NoError(t, err)
}

func TestRootCommandReportsErrors(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(bytes.NewReader(nil), &out)
	cmd.SetArgs([]string{"--mode", "server", "--local", "bogus"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	assert.True(t, errors.Is(err, mictcpstack.ErrInvalidAddress))
}
