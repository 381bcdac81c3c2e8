package mictcpstack

import (
	"MIC-TCP/pkg/pdu"
	"MIC-TCP/pkg/substrate"
)

// HandleDatagram processes one inbound datagram. It is called by the
// dispatch pump, never by the application.
func (s *Stack) HandleDatagram(dg substrate.Datagram) {
	p := dg.PDU
	sock, id := s.lookupPort(p.DstPort)
	if sock == nil {
		s.drop("no_socket", p)
		return
	}
	if p.Fin {
		s.drop("fin", p)
		return
	}

	switch p.Kind {
	case pdu.Syn:
		s.handleSyn(sock, id, dg)
	case pdu.Data:
		s.handleData(sock, id, dg)
	case pdu.SynAck:
		sock.mu.Lock()
		established, local := sock.state == Established, sock.local
		seq := sock.recvSeq
		sock.mu.Unlock()
		if established {
			// Our final ACK was lost and the peer is still waiting for it.
			// Like a data ACK, the re-ACK carries recvSeq.
			if err := s.transmit(pdu.NewAck(local.Port, p.SrcPort, seq), dg.RemoteIP); err != nil {
				s.log.Named("dispatch").Warnw("re-ACK failed", "socket", id, "err", err)
			}
			return
		}
		s.forward(sock, p)
	case pdu.Ack:
		s.forward(sock, p)
	}
}

func (s *Stack) handleSyn(sock *Socket, id int, dg substrate.Datagram) {
	p := dg.PDU
	sock.mu.Lock()
	if sock.state == Established || sock.handshaking || sock.closed {
		sock.mu.Unlock()
		s.drop("duplicate_syn", p)
		return
	}
	sock.handshaking = true
	sock.tolerance = int(p.Tolerance)
	local := sock.local
	sock.mu.Unlock()

	peer := Address{IP: dg.RemoteIP, Port: p.SrcPort}
	s.wg.Add(1)
	go s.passiveOpen(sock, id, local, peer)
}

func (s *Stack) handleData(sock *Socket, id int, dg substrate.Datagram) {
	p := dg.PDU
	log := s.log.Named("dispatch")
	sock.mu.Lock()
	if sock.state != Established {
		sock.mu.Unlock()
		s.drop("not_established", p)
		return
	}
	delivered := false
	if p.Seq == sock.recvSeq {
		if err := sock.buf.Put(p.Payload); err != nil {
			sock.mu.Unlock()
			log.Warnw("receive buffer rejected payload", "socket", id, "err", err)
			s.drop("buffer_full", p)
			return
		}
		sock.recvSeq++
		delivered = true
	}
	ackSeq, local := sock.recvSeq, sock.local
	sock.mu.Unlock()

	if delivered {
		s.Metrics.DeliveredBytes.Add(float64(len(p.Payload)))
	} else {
		s.Metrics.Duplicates.Inc()
		log.Debugw("data not in order, acking only", "socket", id, "seq", p.Seq, "expected", ackSeq)
	}
	if err := s.transmit(pdu.NewAck(local.Port, p.SrcPort, ackSeq), dg.RemoteIP); err != nil {
		log.Warnw("sending ACK failed", "socket", id, "err", err)
	}
}

// forward hands a control PDU to whoever waits on the socket. Nobody waiting
// and a full inbox means the PDU is stale.
func (s *Stack) forward(sock *Socket, p pdu.PDU) {
	select {
	case sock.inbox <- p:
	default:
		s.drop("inbox_full", p)
	}
}

func (s *Stack) drop(reason string, p pdu.PDU) {
	s.Metrics.Dropped.WithLabelValues(reason).Inc()
	s.log.Named("dispatch").Debugw("dropping datagram", "reason", reason, "pdu", p.String())
}

func (s *Stack) transmit(p pdu.PDU, ip string) error {
	if _, err := s.sub.Transmit(p, ip); err != nil {
		return transmissionFailure(err)
	}
	s.Metrics.Transmitted.WithLabelValues(p.Kind.String()).Inc()
	return nil
}
