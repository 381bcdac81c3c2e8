// Package mictcpstack implements MIC-TCP: a socket table, a three-way
// handshake that negotiates an acceptable loss rate, a stop-and-wait sender
// that stops retransmitting once recent loss is within that rate, and the
// dispatcher that handles inbound datagrams.
package mictcpstack

import (
	"sync"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/substrate"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Option func(*Stack)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Stack) { s.log = log }
}

// WithClock replaces the clock driving handshake and ACK timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Stack) { s.clock = c }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Stack) { s.reg = reg }
}

type Stack struct {
	cfg     config.Config
	sub     substrate.Substrate
	clock   clock.Clock
	log     *zap.SugaredLogger
	reg     prometheus.Registerer
	Metrics *Metrics

	// mu guards the table itself. It is always taken before a socket's mu.
	mu      sync.RWMutex
	sockets []*Socket

	initOnce sync.Once
	initErr  error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	failed   chan struct{}
	failOnce sync.Once
	failErr  error
}

func New(cfg config.Config, sub substrate.Substrate, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	s := &Stack{
		cfg:    cfg,
		sub:    sub,
		clock:  clock.New(),
		log:    zap.NewNop().Sugar(),
		stop:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Metrics = NewMetrics(s.reg)
	s.log = s.log.Named("stack")
	return s, nil
}

func (s *Stack) Config() config.Config { return s.cfg }

// initialize brings the substrate up once and starts the dispatch pump.
func (s *Stack) initialize(mode substrate.Mode) error {
	s.initOnce.Do(func() {
		if err := s.sub.Initialize(mode); err != nil {
			s.initErr = transmissionFailure(err)
			return
		}
		s.sub.SetLossRate(s.cfg.SimulatedLoss)
		s.wg.Add(1)
		go s.pump()
		s.log.Infow("stack started", "mode", mode, "simulatedLoss", s.cfg.SimulatedLoss)
	})
	return s.initErr
}

// SetLossRate changes the simulated loss of the substrate.
func (s *Stack) SetLossRate(percent int) {
	s.sub.SetLossRate(percent)
}

// Open allocates the next socket id, initializing the substrate in the given
// mode on first use.
func (s *Stack) Open(mode substrate.Mode) (int, error) {
	if s.stopped() {
		return -1, ErrStackClosed
	}
	if err := s.initialize(mode); err != nil {
		return -1, errors.Wrap(err, "initialize substrate")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sockets) >= s.cfg.MaxSockets {
		return -1, errors.Wrapf(ErrCapacityExceeded, "%d sockets open", len(s.sockets))
	}
	s.sockets = append(s.sockets, newSocket(s.cfg))
	s.Metrics.OpenSockets.Inc()
	return len(s.sockets) - 1, nil
}

func (s *Stack) resolve(id int) (*Socket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.socketLocked(id)
}

func (s *Stack) socketLocked(id int) (*Socket, error) {
	if id < 0 || id >= len(s.sockets) {
		return nil, errors.Wrapf(ErrInvalidSocket, "id %d, %d open", id, len(s.sockets))
	}
	return s.sockets[id], nil
}

func (s *Stack) Bind(id int, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, err := s.socketLocked(id)
	if err != nil {
		return err
	}
	if err := ValidateAddress(addr); err != nil {
		return err
	}
	for i, other := range s.sockets {
		if i == id {
			continue
		}
		other.mu.Lock()
		taken := other.local.Port == addr.Port
		other.mu.Unlock()
		if taken {
			return errors.Wrapf(ErrAddressInUse, "port %d held by socket %d", addr.Port, i)
		}
	}
	sock.mu.Lock()
	sock.local = addr
	sock.mu.Unlock()
	return nil
}

// Close removes the socket and shifts every higher id down by one. Ids held
// across the close of a lower id must be looked up again.
func (s *Stack) Close(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, err := s.socketLocked(id)
	if err != nil {
		return err
	}
	sock.shutdown()
	copy(s.sockets[id:], s.sockets[id+1:])
	s.sockets[len(s.sockets)-1] = nil
	s.sockets = s.sockets[:len(s.sockets)-1]
	s.Metrics.OpenSockets.Dec()
	return nil
}

func (s *Stack) Sockets() []SocketInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]SocketInfo, len(s.sockets))
	for i, sock := range s.sockets {
		infos[i] = sock.info(i)
	}
	return infos
}

// lookupPort finds the open socket bound to port. Unbound sockets hold port 0
// and never match.
func (s *Stack) lookupPort(port uint16) (*Socket, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, sock := range s.sockets {
		sock.mu.Lock()
		match := !sock.closed && sock.local.Port != 0 && sock.local.Port == port
		sock.mu.Unlock()
		if match {
			return sock, i
		}
	}
	return nil, -1
}

func (s *Stack) pump() {
	defer s.wg.Done()
	log := s.log.Named("dispatch")
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		dg, err := s.sub.Receive(s.cfg.PollInterval)
		if err != nil {
			if substrate.IsSoft(err) {
				if errors.Is(err, substrate.ErrMalformed) {
					s.Metrics.Dropped.WithLabelValues("malformed").Inc()
					log.Debugw("dropping malformed datagram", "err", err)
				}
				continue
			}
			if s.stopped() {
				return
			}
			s.fail(err)
			return
		}
		s.HandleDatagram(dg)
	}
}

func (s *Stack) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// fail latches a hard substrate receive error and wakes every waiter.
func (s *Stack) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = transmissionFailure(err)
		close(s.failed)
		s.log.Errorw("substrate receive failed, dispatch stopped", "err", err)
		s.mu.RLock()
		for _, sock := range s.sockets {
			sock.mu.Lock()
			sock.cond.Broadcast()
			sock.mu.Unlock()
		}
		s.mu.RUnlock()
	})
}

func (s *Stack) failure() error {
	select {
	case <-s.failed:
		return s.failErr
	default:
		return nil
	}
}

// Shutdown closes every socket and the substrate, then waits for the
// dispatcher and running handshakes to exit. The error combines a latched
// receive failure with the substrate's close error.
func (s *Stack) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		for _, sock := range s.sockets {
			sock.shutdown()
		}
		s.sockets = nil
		s.Metrics.OpenSockets.Set(0)
		s.mu.Unlock()
		err = multierr.Append(s.failure(), s.sub.Close())
		s.wg.Wait()
		s.log.Info("stack stopped")
	})
	return err
}
