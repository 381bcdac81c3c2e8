package substrate

import (
	"sync"
	"sync/atomic"
	"time"

	"MIC-TCP/pkg/pdu"
)

const endpointQueue = 256

// Network is an in-process link joining Endpoints by IP. Datagrams are
// encoded with the real wire codec and delivered to the destination queue,
// or dropped when the destination is unknown or its queue is full.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the endpoint owning ip, creating it if needed.
func (n *Network) Endpoint(ip string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[ip]; ok {
		return ep
	}
	ep := &Endpoint{
		net:    n,
		ip:     ip,
		inbox:  make(chan wireDatagram, endpointQueue),
		closed: make(chan struct{}),
	}
	n.endpoints[ip] = ep
	return ep
}

func (n *Network) lookup(ip string) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[ip]
}

type wireDatagram struct {
	data []byte
	src  string
}

// Filter inspects an outgoing PDU.
type Filter func(p pdu.PDU) bool

type Endpoint struct {
	net       *Network
	ip        string
	inbox     chan wireDatagram
	closed    chan struct{}
	closeOnce sync.Once
	lossRate  atomic.Int32
	sent      atomic.Int64

	mu          sync.Mutex
	mode        Mode
	initialized bool
	drop        Filter
	duplicate   Filter
	failWith    error
}

func (e *Endpoint) IP() string { return e.ip }

func (e *Endpoint) Initialize(mode Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.initialized = true
	return nil
}

func (e *Endpoint) SetLossRate(percent int) {
	e.lossRate.Store(clampLoss(percent))
}

// SetDropFilter drops every outgoing PDU for which f returns true.
func (e *Endpoint) SetDropFilter(f Filter) {
	e.mu.Lock()
	e.drop = f
	e.mu.Unlock()
}

// SetDuplicateFilter delivers every outgoing PDU for which f returns true twice.
func (e *Endpoint) SetDuplicateFilter(f Filter) {
	e.mu.Lock()
	e.duplicate = f
	e.mu.Unlock()
}

// FailTransmit makes every subsequent Transmit return err. nil heals the link.
func (e *Endpoint) FailTransmit(err error) {
	e.mu.Lock()
	e.failWith = err
	e.mu.Unlock()
}

// Sent counts PDUs handed to Transmit, dropped ones included.
func (e *Endpoint) Sent() int64 { return e.sent.Load() }

func (e *Endpoint) Transmit(p pdu.PDU, destIP string) (int, error) {
	select {
	case <-e.closed:
		return 0, ErrClosed
	default:
	}
	e.mu.Lock()
	initialized, failWith, drop, duplicate := e.initialized, e.failWith, e.drop, e.duplicate
	e.mu.Unlock()
	if !initialized {
		return 0, ErrNotInitialized
	}
	if failWith != nil {
		return 0, failWith
	}

	data, err := pdu.Marshal(p)
	if err != nil {
		return 0, err
	}
	e.sent.Add(1)
	if lossy(e.lossRate.Load()) || (drop != nil && drop(p)) {
		return len(data), nil
	}

	dest := e
	if ip := resolveIP(destIP); ip != "127.0.0.1" && ip != e.ip {
		dest = e.net.lookup(ip)
	}
	if dest == nil {
		return len(data), nil
	}
	copies := 1
	if duplicate != nil && duplicate(p) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		select {
		case dest.inbox <- wireDatagram{data: data, src: e.ip}:
		default:
		}
	}
	return len(data), nil
}

func (e *Endpoint) Receive(timeout time.Duration) (Datagram, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.closed:
		return Datagram{}, ErrClosed
	case <-timer.C:
		return Datagram{}, ErrTimeout
	case wd := <-e.inbox:
		p, err := pdu.Unmarshal(wd.data)
		if err != nil {
			return Datagram{}, ErrMalformed
		}
		p.Payload = append([]byte(nil), p.Payload...)
		return Datagram{PDU: p, LocalIP: e.ip, RemoteIP: wd.src}, nil
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
