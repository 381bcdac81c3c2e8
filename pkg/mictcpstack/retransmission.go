package mictcpstack

import (
	"time"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/pdu"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff yields the successive waits of one retry loop, starting at base.
// The constant policy waits base every time; with max_retries set the policy
// stops after that many retransmissions.
func (s *Stack) newBackOff(base time.Duration) backoff.BackOff {
	var b backoff.BackOff
	if s.cfg.Backoff == config.BackoffExponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = base
		eb.MaxInterval = s.cfg.MaxTimeout
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Clock = s.clock
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(base)
	}
	if s.cfg.MaxRetries > 0 {
		// the first wait is not a retry
		b = backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)+1)
	}
	return b
}

// await blocks until a PDU satisfying match reaches the socket inbox, the
// wait elapses, the socket closes or the substrate fails. Non-matching PDUs
// are discarded.
func (s *Stack) await(sock *Socket, wait time.Duration, match func(pdu.PDU) bool) (pdu.PDU, error) {
	timer := s.clock.Timer(wait)
	defer timer.Stop()
	for {
		select {
		case p := <-sock.inbox:
			if match(p) {
				return p, nil
			}
		case <-timer.C:
			return pdu.PDU{}, ErrTimeout
		case <-sock.done:
			return pdu.PDU{}, ErrSocketClosed
		case <-s.failed:
			return pdu.PDU{}, s.failErr
		}
	}
}
