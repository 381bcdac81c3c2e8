package mictcpstack

import (
	"testing"
	"time"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/pdu"
	"MIC-TCP/pkg/substrate"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBindValidatesAddress(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), clientIP, testConfig())
	id, err := h.stack.Open(substrate.Client)
	require.NoError(t, err)

	valid := []Address{
		{IP: "localhost", Port: 1025},
		{IP: "127.0.0.1", Port: 5000},
		{IP: "255.255.255.255", Port: 65535},
		{IP: "0.0.0.0", Port: 2000},
		{IP: "010.0.0.1", Port: 5000},
		{IP: "001.002.003.004", Port: 5000},
	}
	for _, addr := range valid {
		assert.NoError(t, h.stack.Bind(id, addr), addr.String())
	}

	invalid := []Address{
		{IP: "localhost", Port: 1024},
		{IP: "10.0.0.1", Port: 80},
		{IP: "256.0.0.1", Port: 5000},
		{IP: "10.0.0", Port: 5000},
		{IP: "10.0.0.1.2", Port: 5000},
		{IP: "ten.0.0.1", Port: 5000},
		{IP: "::1", Port: 5000},
		{IP: "0256.0.0.1", Port: 5000},
		{IP: "", Port: 5000},
	}
	for _, addr := range invalid {
		err := h.stack.Bind(id, addr)
		assert.True(t, errors.Is(err, ErrInvalidAddress), "%s: %v", addr, err)
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("10.0.0.2:6000")
	require.NoError(t, err)
	assert.Equal(t, Address{IP: "10.0.0.2", Port: 6000}, addr)
	assert.Equal(t, "10.0.0.2:6000", addr.String())

	_, err = ParseAddress("10.0.0.2:99")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	_, err = ParseAddress("10.0.0.2")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestBindRejectsPortInUse(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), clientIP, testConfig())
	openBound(t, h, substrate.Client, Address{IP: clientIP, Port: 5000})
	id, err := h.stack.Open(substrate.Client)
	require.NoError(t, err)
	err = h.stack.Bind(id, Address{IP: clientIP, Port: 5000})
	assert.True(t, errors.Is(err, ErrAddressInUse))
}

func TestOpenCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSockets = 2
	h := newHost(t, substrate.NewNetwork(), clientIP, cfg)
	for want := 0; want < 2; want++ {
		id, err := h.stack.Open(substrate.Client)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	_, err := h.stack.Open(substrate.Client)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	require.NoError(t, h.stack.Close(0))
	id, err := h.stack.Open(substrate.Client)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.stack.Metrics.OpenSockets))
}

func TestInvalidSocketIDs(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), clientIP, testConfig())
	_, err := h.stack.Open(substrate.Client)
	require.NoError(t, err)

	addr := Address{IP: serverIP, Port: 6000}
	for _, id := range []int{-1, 1, 42} {
		assert.True(t, errors.Is(h.stack.Bind(id, addr), ErrInvalidSocket))
		assert.True(t, errors.Is(h.stack.Connect(id, addr), ErrInvalidSocket))
		assert.True(t, errors.Is(h.stack.Close(id), ErrInvalidSocket))
		_, err := h.stack.Accept(id)
		assert.True(t, errors.Is(err, ErrInvalidSocket))
		_, err = h.stack.Send(id, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidSocket))
		_, err = h.stack.Receive(id, 10)
		assert.True(t, errors.Is(err, ErrInvalidSocket))
	}
}

func TestCloseCompactsTable(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), clientIP, testConfig())
	for i := 0; i < 3; i++ {
		openBound(t, h, substrate.Client, Address{IP: clientIP, Port: uint16(5000 + i)})
	}
	// give each socket distinct counters and loss history
	h.stack.mu.RLock()
	for i, sock := range h.stack.sockets {
		sock.mu.Lock()
		sock.state = Established
		sock.remote = Address{IP: serverIP, Port: uint16(6000 + i)}
		sock.sendSeq = uint32(10 * (i + 1))
		sock.recvSeq = uint32(i)
		for j := 0; j <= i; j++ {
			sock.window.RecordSent()
		}
		sock.mu.Unlock()
	}
	h.stack.mu.RUnlock()

	require.NoError(t, h.stack.Close(0))
	infos := h.stack.Sockets()
	require.Len(t, infos, 2)
	for newID, oldID := range []int{1, 2} {
		got := infos[newID]
		assert.Equal(t, newID, got.ID)
		assert.Equal(t, Established, got.State)
		assert.Equal(t, uint16(5000+oldID), got.Local.Port)
		assert.Equal(t, uint16(6000+oldID), got.Remote.Port)
		assert.Equal(t, uint32(10*(oldID+1)), got.SendSeq)
		assert.Equal(t, uint32(oldID), got.RecvSeq)
		assert.Equal(t, oldID+1, got.WindowLen)
		assert.Equal(t, 100, got.LossRate)
	}

	// the freed port can be bound again
	id, err := h.stack.Open(substrate.Client)
	require.NoError(t, err)
	assert.NoError(t, h.stack.Bind(id, Address{IP: clientIP, Port: 5000}))
}

func TestCloseWakesAccept(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), serverIP, testConfig())
	id := openBound(t, h, substrate.Server, Address{IP: serverIP, Port: 6000})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.stack.Accept(id)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return info(t, h.stack, id).State == Idle }, time.Second, time.Millisecond)
	require.NoError(t, h.stack.Close(id))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrSocketClosed))
	case <-time.After(time.Second):
		t.Fatal("accept still blocked after close")
	}
}

func TestSubstrateFailureWakesWaiters(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), serverIP, testConfig())
	id := openBound(t, h, substrate.Server, Address{IP: serverIP, Port: 6000})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.stack.Accept(id)
		errCh <- err
	}()
	// closing the endpoint underneath the stack looks like a hard receive error
	require.NoError(t, h.ep.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrTransmissionFailure), "%v", err)
	case <-time.After(time.Second):
		t.Fatal("accept still blocked after substrate failure")
	}
}

func TestShutdown(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), serverIP, testConfig())
	id := openBound(t, h, substrate.Server, Address{IP: serverIP, Port: 6000})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.stack.Receive(id, 10)
		errCh <- err
	}()
	require.NoError(t, h.stack.Shutdown())
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrSocketClosed))
	case <-time.After(time.Second):
		t.Fatal("receive still blocked after shutdown")
	}
	_, err := h.stack.Open(substrate.Server)
	assert.Equal(t, ErrStackClosed, err)
	assert.Empty(t, h.stack.Sockets())
}

// closeFailing reports an error from Close after closing the endpoint.
type closeFailing struct {
	*substrate.Endpoint
}

func (c closeFailing) Close() error {
	c.Endpoint.Close()
	return errors.New("close failed")
}

func TestShutdownCombinesErrors(t *testing.T) {
	ep := substrate.NewNetwork().Endpoint(serverIP)
	st, err := New(testConfig(), closeFailing{ep}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	openBound(t, &host{stack: st, ep: ep}, substrate.Server, Address{IP: serverIP, Port: 6000})

	// the dispatcher latches the receive error from the closed endpoint
	require.NoError(t, ep.Close())
	require.Eventually(t, func() bool { return st.failure() != nil }, time.Second, time.Millisecond)

	errs := multierr.Errors(st.Shutdown())
	require.Len(t, errs, 2)
	assert.True(t, errors.Is(errs[0], ErrTransmissionFailure), "%v", errs[0])
	assert.EqualError(t, errs[1], "close failed")
	assert.NoError(t, st.Shutdown())
}

func TestUnboundSocketReceivesNothing(t *testing.T) {
	h := newHost(t, substrate.NewNetwork(), serverIP, testConfig())
	id, err := h.stack.Open(substrate.Server)
	require.NoError(t, err)

	h.stack.HandleDatagram(substrate.Datagram{
		PDU:      pdu.NewSyn(5000, 0, 0, 42),
		LocalIP:  serverIP,
		RemoteIP: clientIP,
	})
	got := info(t, h.stack, id)
	assert.Zero(t, got.Tolerance)
	assert.Equal(t, Closed, got.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.stack.Metrics.Dropped.WithLabelValues("no_socket")))
	assert.Zero(t, h.ep.Sent())
}

func TestDropUnknownPortIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := substrate.NewNetwork()
	srv := newHost(t, n, serverIP, testConfig(), WithLogger(zap.New(core).Sugar()))
	openBound(t, srv, substrate.Server, Address{IP: serverIP, Port: 6000})
	cfg := testConfig()
	cfg.MaxRetries = 1
	cli := newHost(t, n, clientIP, cfg)
	cid := openBound(t, cli, substrate.Client, Address{IP: clientIP, Port: 5000})

	err := cli.stack.Connect(cid, Address{IP: serverIP, Port: 7000})
	assert.True(t, errors.Is(err, ErrTimeout), "%v", err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropping datagram").FilterField(zap.String("reason", "no_socket")).Len() >= 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(srv.stack.Metrics.Dropped.WithLabelValues("no_socket")))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.AcceptableLoss = 101
	_, err := New(cfg, substrate.NewNetwork().Endpoint(clientIP))
	assert.Error(t, err)
}
