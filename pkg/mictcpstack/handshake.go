package mictcpstack

import (
	"MIC-TCP/pkg/pdu"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Connect runs the active side of the handshake: SYN carrying our acceptable
// loss, wait for SYN-ACK, reply ACK. Lost SYNs are resent until the peer
// answers; only a hard substrate error ends the loop early.
func (s *Stack) Connect(id int, addr Address) error {
	sock, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := ValidateAddress(addr); err != nil {
		return err
	}
	sock.sendMu.Lock()
	defer sock.sendMu.Unlock()

	sock.mu.Lock()
	switch {
	case sock.closed:
		sock.mu.Unlock()
		return errors.Wrapf(ErrSocketClosed, "connect socket %d", id)
	case sock.state == Established:
		remote := sock.remote
		sock.mu.Unlock()
		return errors.Wrapf(ErrAlreadyConnected, "socket %d to %s", id, remote)
	}
	sock.remote = addr
	sock.state = Idle
	local, seq := sock.local, sock.sendSeq
	sock.mu.Unlock()

	log := s.log.Named("handshake").With("socket", id, "remote", addr.String())
	syn := pdu.NewSyn(local.Port, addr.Port, seq, uint8(s.cfg.AcceptableLoss))
	isSynAck := func(p pdu.PDU) bool {
		return p.Kind == pdu.SynAck && p.SrcPort == addr.Port
	}

	b := s.newBackOff(s.cfg.HandshakeTimeout())
	wait := b.NextBackOff()
	for attempt := 1; ; attempt++ {
		if err := s.transmit(syn, addr.IP); err != nil {
			return errors.Wrapf(err, "connect socket %d: send SYN", id)
		}
		_, err := s.await(sock, wait, isSynAck)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTimeout) {
			return errors.Wrapf(err, "connect socket %d", id)
		}
		if wait = b.NextBackOff(); wait == backoff.Stop {
			return errors.Wrapf(ErrTimeout, "connect socket %d: no SYN-ACK after %d SYNs", id, attempt)
		}
		s.Metrics.Retransmissions.Inc()
		log.Debugw("SYN timed out, retrying", "attempt", attempt, "wait", wait)
	}

	if err := s.transmit(pdu.NewAck(local.Port, addr.Port, seq), addr.IP); err != nil {
		return errors.Wrapf(err, "connect socket %d: send ACK", id)
	}
	sock.mu.Lock()
	sock.tolerance = s.cfg.AcceptableLoss
	sock.state = Established
	sock.cond.Broadcast()
	sock.mu.Unlock()
	s.Metrics.Handshakes.WithLabelValues("active").Inc()
	log.Infow("connection established", "tolerance", s.cfg.AcceptableLoss)
	return nil
}

// Accept waits until the dispatcher completes a passive handshake on the
// socket and returns the peer address. It performs no I/O itself.
func (s *Stack) Accept(id int) (Address, error) {
	sock, err := s.resolve(id)
	if err != nil {
		return Address{}, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state == Closed && !sock.closed {
		sock.state = Idle
	}
	for sock.state != Established {
		if sock.closed {
			return Address{}, errors.Wrapf(ErrSocketClosed, "accept on socket %d", id)
		}
		if err := s.failure(); err != nil {
			return Address{}, errors.Wrapf(err, "accept on socket %d", id)
		}
		sock.cond.Wait()
	}
	return sock.remote, nil
}

// passiveOpen answers a SYN: SYN-ACK until the peer ACKs. It runs on its own
// goroutine so the dispatcher keeps routing the ACK it waits for.
func (s *Stack) passiveOpen(sock *Socket, id int, local, peer Address) {
	defer s.wg.Done()
	defer func() {
		sock.mu.Lock()
		sock.handshaking = false
		sock.mu.Unlock()
	}()
	log := s.log.Named("handshake").With("socket", id, "peer", peer.String())
	isAck := func(p pdu.PDU) bool {
		return p.Kind == pdu.Ack && p.SrcPort == peer.Port
	}

	b := s.newBackOff(s.cfg.HandshakeTimeout())
	wait := b.NextBackOff()
	for attempt := 1; ; attempt++ {
		sock.mu.Lock()
		seq := sock.sendSeq
		sock.mu.Unlock()
		if err := s.transmit(pdu.NewSynAck(local.Port, peer.Port, seq), peer.IP); err != nil {
			log.Warnw("sending SYN-ACK failed, giving up", "err", err)
			return
		}
		_, err := s.await(sock, wait, isAck)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTimeout) {
			log.Debugw("passive handshake aborted", "err", err)
			return
		}
		if wait = b.NextBackOff(); wait == backoff.Stop {
			log.Warnw("no ACK for SYN-ACK, giving up", "attempts", attempt)
			return
		}
		s.Metrics.Retransmissions.Inc()
		log.Debugw("SYN-ACK timed out, retrying", "attempt", attempt)
	}

	sock.mu.Lock()
	sock.remote = peer
	sock.state = Established
	tolerance := sock.tolerance
	sock.cond.Broadcast()
	sock.mu.Unlock()
	s.Metrics.Handshakes.WithLabelValues("passive").Inc()
	log.Infow("connection established", "tolerance", tolerance)
}
