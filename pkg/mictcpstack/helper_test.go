package mictcpstack

import (
	"testing"
	"time"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/substrate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	clientIP = "10.0.0.1"
	serverIP = "10.0.0.2"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BaseTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AcceptableLoss = 10
	return cfg
}

type host struct {
	stack *Stack
	ep    *substrate.Endpoint
}

func newHost(t *testing.T, n *substrate.Network, ip string, cfg config.Config, opts ...Option) *host {
	t.Helper()
	ep := n.Endpoint(ip)
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	st, err := New(cfg, ep, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Shutdown() })
	return &host{stack: st, ep: ep}
}

func openBound(t *testing.T, h *host, mode substrate.Mode, addr Address) int {
	t.Helper()
	id, err := h.stack.Open(mode)
	require.NoError(t, err)
	require.NoError(t, h.stack.Bind(id, addr))
	return id
}

// connectPair binds the server on 6000 and the client on 5000 and runs the
// handshake between them.
func connectPair(t *testing.T, cli, srv *host) (int, int) {
	t.Helper()
	sid := openBound(t, srv, substrate.Server, Address{IP: serverIP, Port: 6000})
	accepted := make(chan error, 1)
	go func() {
		_, err := srv.stack.Accept(sid)
		accepted <- err
	}()

	cid := openBound(t, cli, substrate.Client, Address{IP: clientIP, Port: 5000})
	require.NoError(t, cli.stack.Connect(cid, Address{IP: serverIP, Port: 6000}))
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept never returned")
	}
	return cid, sid
}

func info(t *testing.T, st *Stack, id int) SocketInfo {
	t.Helper()
	infos := st.Sockets()
	require.Less(t, id, len(infos))
	return infos[id]
}
