package mictcpstack

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"MIC-TCP/pkg/appbuffer"
	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/losswindow"
	"MIC-TCP/pkg/pdu"
	"MIC-TCP/pkg/substrate"

	"github.com/pkg/errors"
)

type SocketState int

const (
	Closed SocketState = iota
	Idle
	Established
)

func (s SocketState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Idle:
		return "IDLE"
	case Established:
		return "ESTABLISHED"
	}
	return fmt.Sprintf("SocketState(%d)", int(s))
}

// MinPort is the highest reserved port; bound and connected ports must exceed it.
const MinPort = 1024

type Address struct {
	IP   string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "port %q", port)
	}
	addr := Address{IP: host, Port: uint16(p)}
	return addr, ValidateAddress(addr)
}

// ValidateAddress accepts "localhost" or a dotted quad, with a port above MinPort.
func ValidateAddress(a Address) error {
	if a.Port <= MinPort {
		return errors.Wrapf(ErrInvalidAddress, "port %d must exceed %d", a.Port, MinPort)
	}
	if a.IP == substrate.Localhost {
		return nil
	}
	if _, ok := substrate.CanonicalIPv4(a.IP); !ok {
		return errors.Wrapf(ErrInvalidAddress, "ip %q is not a dotted quad", a.IP)
	}
	return nil
}

// Socket is one slot of the socket table. mu guards every field below it and
// cond is broadcast whenever state changes or the socket goes away.
type Socket struct {
	mu          sync.Mutex
	cond        *sync.Cond
	state       SocketState
	local       Address
	remote      Address
	sendSeq     uint32
	recvSeq     uint32
	tolerance   int
	window      *losswindow.Window
	handshaking bool
	closed      bool

	// sendMu serializes Connect and Send so one waiter owns the inbox.
	sendMu sync.Mutex
	inbox  chan pdu.PDU
	done   chan struct{}
	buf    *appbuffer.Buffer
}

func newSocket(cfg config.Config) *Socket {
	sock := &Socket{
		state:  Closed,
		window: losswindow.New(cfg.LossWindowSize),
		inbox:  make(chan pdu.PDU, cfg.InboxSize),
		done:   make(chan struct{}),
		buf:    appbuffer.New(cfg.RecvBufferSize),
	}
	sock.cond = sync.NewCond(&sock.mu)
	return sock
}

// shutdown forces the socket to Closed and wakes everyone waiting on it.
func (sock *Socket) shutdown() {
	sock.mu.Lock()
	sock.state = Closed
	if !sock.closed {
		sock.closed = true
		close(sock.done)
	}
	sock.cond.Broadcast()
	sock.mu.Unlock()
	sock.buf.Close()
}

// SocketInfo is a point-in-time copy of a socket table slot.
type SocketInfo struct {
	ID        int
	State     SocketState
	Local     Address
	Remote    Address
	SendSeq   uint32
	RecvSeq   uint32
	Tolerance int
	LossRate  int
	WindowLen int
}

func (sock *Socket) info(id int) SocketInfo {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return SocketInfo{
		ID:        id,
		State:     sock.state,
		Local:     sock.local,
		Remote:    sock.remote,
		SendSeq:   sock.sendSeq,
		RecvSeq:   sock.recvSeq,
		Tolerance: sock.tolerance,
		LossRate:  sock.window.LossRate(),
		WindowLen: sock.window.Len(),
	}
}
