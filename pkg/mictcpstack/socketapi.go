package mictcpstack

import (
	"MIC-TCP/pkg/appbuffer"
	"MIC-TCP/pkg/pdu"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Send transmits data as one PDU and waits for its ACK, retransmitting on
// timeout. When no ACK arrives but the loss rate over the trailing window is
// within the negotiated tolerance, the send is reported successful without
// waiting further; the sequence number is then left as is.
func (s *Stack) Send(id int, data []byte) (int, error) {
	sock, err := s.resolve(id)
	if err != nil {
		return 0, err
	}
	if len(data) > pdu.MaxPayload {
		return 0, errors.Wrapf(pdu.ErrPayloadTooLarge, "send %d bytes on socket %d", len(data), id)
	}
	sock.sendMu.Lock()
	defer sock.sendMu.Unlock()

	sock.mu.Lock()
	if sock.closed {
		sock.mu.Unlock()
		return 0, errors.Wrapf(ErrSocketClosed, "send on socket %d", id)
	}
	if sock.state != Established {
		state := sock.state
		sock.mu.Unlock()
		return 0, errors.Wrapf(ErrNotConnected, "send on socket %d in state %s", id, state)
	}
	local, remote, seq := sock.local, sock.remote, sock.sendSeq
	sock.mu.Unlock()

	log := s.log.Named("send").With("socket", id, "seq", seq)
	out := pdu.NewData(local.Port, remote.Port, seq, append([]byte(nil), data...))
	isAck := func(p pdu.PDU) bool {
		return p.Kind == pdu.Ack && p.Seq == seq+1
	}

	b := s.newBackOff(s.cfg.BaseTimeout)
	wait := b.NextBackOff()
	for attempt := 1; ; attempt++ {
		if err := s.transmit(out, remote.IP); err != nil {
			return 0, errors.Wrapf(err, "send on socket %d", id)
		}
		if attempt == 1 {
			sock.mu.Lock()
			sock.window.RecordSent()
			sock.mu.Unlock()
		}

		_, err := s.await(sock, wait, isAck)
		if err == nil {
			sock.mu.Lock()
			sock.window.RecordAcked()
			sock.sendSeq++
			sock.mu.Unlock()
			return len(data), nil
		}
		if !errors.Is(err, ErrTimeout) {
			return 0, errors.Wrapf(err, "send on socket %d", id)
		}

		sock.mu.Lock()
		rate, tolerance := sock.window.LossRate(), sock.tolerance
		sock.mu.Unlock()
		if rate <= tolerance {
			s.Metrics.ToleratedLosses.Inc()
			log.Debugw("no ACK, loss within tolerance", "lossRate", rate, "tolerance", tolerance)
			return len(data), nil
		}
		if wait = b.NextBackOff(); wait == backoff.Stop {
			return 0, errors.Wrapf(ErrTimeout, "send on socket %d: no ACK after %d attempts", id, attempt)
		}
		s.Metrics.Retransmissions.Inc()
		log.Debugw("retransmitting", "attempt", attempt, "lossRate", rate, "tolerance", tolerance)
	}
}

// Receive blocks until the dispatcher has delivered a payload to the socket
// and returns at most max bytes of it.
func (s *Stack) Receive(id int, max int) ([]byte, error) {
	sock, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	msg, err := sock.buf.Get(max)
	if errors.Is(err, appbuffer.ErrClosed) {
		return nil, errors.Wrapf(ErrSocketClosed, "receive on socket %d", id)
	}
	return msg, err
}
