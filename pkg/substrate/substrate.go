// Package substrate is the unreliable datagram layer MIC-TCP runs on top of.
// It moves whole PDUs between hosts identified by an IP string and can drop
// a configurable share of them to simulate a lossy link.
package substrate

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"MIC-TCP/pkg/pdu"

	"github.com/pkg/errors"
)

type Mode int

const (
	Client Mode = iota
	Server
)

func (m Mode) String() string {
	if m == Server {
		return "server"
	}
	return "client"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "client":
		return Client, nil
	case "server":
		return Server, nil
	}
	return Client, errors.Errorf("unknown mode %q", s)
}

var (
	// ErrTimeout is soft: nothing arrived before the receive deadline.
	ErrTimeout = errors.New("substrate receive timeout")
	// ErrMalformed is soft: a datagram arrived but did not decode.
	ErrMalformed      = errors.New("malformed datagram")
	ErrClosed         = errors.New("substrate closed")
	ErrNotInitialized = errors.New("substrate not initialized")
)

// IsSoft reports whether err only means "try again".
func IsSoft(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed)
}

// Datagram is one received PDU together with the IPs it travelled between.
type Datagram struct {
	PDU      pdu.PDU
	LocalIP  string
	RemoteIP string
}

type Substrate interface {
	Initialize(mode Mode) error
	// SetLossRate makes Transmit silently drop roughly percent% of PDUs.
	SetLossRate(percent int)
	// Transmit returns the number of bytes handed to the link. A simulated
	// loss still counts as transmitted.
	Transmit(p pdu.PDU, destIP string) (int, error)
	Receive(timeout time.Duration) (Datagram, error)
	Close() error
}

const Localhost = "localhost"

// CanonicalIPv4 reports whether s is four dot-separated decimal octets in
// 0..255 and returns it without leading zeros, so "010.0.0.1" is "10.0.0.1".
func CanonicalIPv4(s string) (string, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return "", false
	}
	octets := make([]string, 4)
	for i, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return "", false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return "", false
			}
		}
		v, _ := strconv.Atoi(part)
		if v > 255 {
			return "", false
		}
		octets[i] = strconv.Itoa(v)
	}
	return strings.Join(octets, "."), true
}

func resolveIP(ip string) string {
	if ip == Localhost {
		return "127.0.0.1"
	}
	if canon, ok := CanonicalIPv4(ip); ok {
		return canon
	}
	return ip
}

func lossy(percent int32) bool {
	return percent > 0 && rand.Int31n(100) < percent
}

func clampLoss(percent int) int32 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return int32(percent)
}
