package substrate

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"MIC-TCP/pkg/pdu"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UDP carries PDUs in UDP datagrams. A server listens on ServerPort and
// talks to ClientPort on the peer, a client the other way round.
type UDP struct {
	ServerPort int
	ClientPort int

	log      *zap.SugaredLogger
	mu       sync.Mutex
	conn     *net.UDPConn
	peerPort int
	lossRate atomic.Int32
	buf      []byte
	closed   bool
}

func NewUDP(serverPort, clientPort int, log *zap.SugaredLogger) *UDP {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UDP{
		ServerPort: serverPort,
		ClientPort: clientPort,
		log:        log.Named("substrate"),
		buf:        make([]byte, pdu.MaxDatagram),
	}
}

func (u *UDP) Initialize(mode Mode) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.conn != nil {
		return nil
	}
	localPort, peerPort := u.ClientPort, u.ServerPort
	if mode == Server {
		localPort, peerPort = u.ServerPort, u.ClientPort
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return errors.Wrapf(err, "listen on udp port %d", localPort)
	}
	u.conn = conn
	u.peerPort = peerPort
	u.log.Infow("udp substrate up", "mode", mode, "local", conn.LocalAddr(), "peerPort", peerPort)
	return nil
}

func (u *UDP) SetLossRate(percent int) {
	u.lossRate.Store(clampLoss(percent))
}

func (u *UDP) connection() (*net.UDPConn, int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, 0, ErrClosed
	}
	if u.conn == nil {
		return nil, 0, ErrNotInitialized
	}
	return u.conn, u.peerPort, nil
}

func (u *UDP) Transmit(p pdu.PDU, destIP string) (int, error) {
	conn, peerPort, err := u.connection()
	if err != nil {
		return 0, err
	}
	data, err := pdu.Marshal(p)
	if err != nil {
		return 0, err
	}
	if lossy(u.lossRate.Load()) {
		u.log.Debugw("simulated loss", "pdu", p.String(), "dest", destIP)
		return len(data), nil
	}
	ip := net.ParseIP(resolveIP(destIP))
	if ip == nil {
		return 0, errors.Errorf("bad destination ip %q", destIP)
	}
	n, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: peerPort})
	if err != nil {
		return n, errors.Wrapf(err, "write to %s:%d", ip, peerPort)
	}
	return n, nil
}

// Receive must not be called from more than one goroutine at a time.
func (u *UDP) Receive(timeout time.Duration) (Datagram, error) {
	conn, _, err := u.connection()
	if err != nil {
		return Datagram{}, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Datagram{}, errors.Wrap(err, "set read deadline")
	}
	n, addr, err := conn.ReadFromUDP(u.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Datagram{}, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, errors.Wrap(err, "read from udp")
	}
	p, err := pdu.Unmarshal(u.buf[:n])
	if err != nil {
		return Datagram{}, errors.Wrapf(ErrMalformed, "from %s: %v", addr, err)
	}
	p.Payload = append([]byte(nil), p.Payload...)

	local := ""
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = la.IP.String()
	}
	return Datagram{PDU: p, LocalIP: local, RemoteIP: addr.IP.String()}, nil
}

func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
