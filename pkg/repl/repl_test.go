package repl

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/mictcpstack"
	"MIC-TCP/pkg/substrate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStack(t *testing.T, n *substrate.Network, ip string) *mictcpstack.Stack {
	cfg := config.Default()
	cfg.BaseTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	st, err := mictcpstack.New(cfg, n.Endpoint(ip))
	require.NoError(t, err)
	t.Cleanup(func() { st.Shutdown() })
	return st
}

func run(st *mictcpstack.Stack, script string) string {
	var out bytes.Buffer
	StartRepl(st, strings.NewReader(script), &out)
	return out.String()
}

func TestListAndErrors(t *testing.T) {
	st := newStack(t, substrate.NewNetwork(), "10.0.0.1")
	id, err := st.Open(substrate.Client)
	require.NoError(t, err)
	require.NoError(t, st.Bind(id, mictcpstack.Address{IP: "10.0.0.1", Port: 5000}))

	out := run(st, "ls\nsend 0 hello\nsend x hello\nlossrate 150\nlossrate 20\nbogus\nq\nls\n")
	assert.Contains(t, out, "CLOSED")
	assert.Contains(t, out, "10.0.0.1:5000")
	assert.Contains(t, out, "error: send on socket 0 in state CLOSED")
	assert.Contains(t, out, `error: bad socket id "x"`)
	assert.Contains(t, out, "error: loss rate must be 0..100")
	assert.Contains(t, out, "simulated loss set to 20%")
	assert.Contains(t, out, "Commands:")
	// nothing after q runs
	assert.Equal(t, 1, strings.Count(out, "Remote"))
}

func TestSendAndReceive(t *testing.T) {
	n := substrate.NewNetwork()
	cli, srv := newStack(t, n, "10.0.0.1"), newStack(t, n, "10.0.0.2")

	sid, err := srv.Open(substrate.Server)
	require.NoError(t, err)
	require.NoError(t, srv.Bind(sid, mictcpstack.Address{IP: "10.0.0.2", Port: 6000}))
	cid, err := cli.Open(substrate.Client)
	require.NoError(t, err)
	require.NoError(t, cli.Bind(cid, mictcpstack.Address{IP: "10.0.0.1", Port: 5000}))
	require.NoError(t, cli.Connect(cid, mictcpstack.Address{IP: "10.0.0.2", Port: 6000}))
	_, err = srv.Accept(sid)
	require.NoError(t, err)

	assert.Contains(t, run(cli, "send 0 hello there\n"), "sent 11 bytes")
	assert.Contains(t, run(srv, "recv 0 5\n"), `received 5 bytes: "hello"`)
	assert.Contains(t, run(cli, "close 0\nls\n"), "ID")
	assert.Empty(t, cli.Sockets())
}
