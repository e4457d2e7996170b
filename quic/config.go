package quic

import (
	"time"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
)

// Config carries the per-endpoint settings shared by every CryptoStream
// and PathIdSet the endpoint creates. It is a plain struct with
// documented zero-value defaults; no environment or flag parsing happens
// inside this package.
type Config struct {
	// ServerSendBufferSize and ClientSendBufferSize size CryptoStream's
	// send buffer at initialize(); zero selects the package defaults
	// (defaultServerSendBuffer / defaultClientSendBuffer).
	ServerSendBufferSize int
	ClientSendBufferSize int

	// MaxCryptoRecvBuffer bounds the receive-side flow-control window;
	// zero selects maxCryptoRecvBuffer.
	MaxCryptoRecvBuffer int64

	// HandshakeTimeout bounds how long the connection collaborator
	// will wait for TLSFlagComplete before giving up; the core itself
	// does not enforce it, it is surfaced here purely so a single
	// Config can describe an endpoint's full handshake posture. Zero
	// selects defaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// RequireAddressValidation: when true, a server delays completing
	// the handshake until it has validated the client's address (e.g.,
	// via a Retry token). The crypto core does not implement address
	// validation itself; the datapath collaborator reads this flag.
	RequireAddressValidation bool

	// Logger receives one structured line per notable state transition:
	// key installs/discards, ACK absorption, path id lifecycle, TLS
	// alerts. A nil Logger falls back to logrus.StandardLogger().
	Logger *logrus.Entry

	// Metrics receives the prometheus/go-metrics counters and gauges
	// described in metrics.go. A nil Metrics disables instrumentation.
	Metrics *Metrics

	// Events is the sink ConnEvent values are published to (events.go).
	// A nil Events sink silently drops events.
	Events events.Sink
}

func (c *Config) serverSendBufferSize() int64 {
	if c == nil || c.ServerSendBufferSize <= 0 {
		return defaultServerSendBuffer
	}
	return int64(c.ServerSendBufferSize)
}

func (c *Config) clientSendBufferSize() int64 {
	if c == nil || c.ClientSendBufferSize <= 0 {
		return defaultClientSendBuffer
	}
	return int64(c.ClientSendBufferSize)
}

func (c *Config) maxCryptoRecvBuffer() int64 {
	if c == nil || c.MaxCryptoRecvBuffer <= 0 {
		return maxCryptoRecvBuffer
	}
	return c.MaxCryptoRecvBuffer
}

func (c *Config) handshakeTimeout() time.Duration {
	if c == nil || c.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c *Config) metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.Metrics
}

func (c *Config) events() events.Sink {
	if c == nil {
		return nil
	}
	return c.Events
}
