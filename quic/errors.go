package quic

import "fmt"

// A transportError is a transport error code from RFC 9000 Section 20.1.
//
// transportError does not implement the error interface, to force callers
// to distinguish between errors sent to and received from the peer; see
// localTransportError and peerTransportError below.
type transportError uint64

// https://www.rfc-editor.org/rfc/rfc9000.html#section-20.1
const (
	errNo                   = transportError(0x00)
	errInternal             = transportError(0x01)
	errConnectionRefused    = transportError(0x02)
	errFlowControl          = transportError(0x03)
	errProtocolViolation    = transportError(0x0a)
	errCryptoBufferExceeded = transportError(0x0d)
	errKeyUpdateError       = transportError(0x0e)
	errNoViablePath         = transportError(0x10)
	errTLSBase              = transportError(0x0100) // 0x0100-0x01ff; base + TLS alert
)

// errNoApplicationProtocol is CRYPTO_ERROR base + TLS alert 120
// (no_application_protocol), the code a server refuses a ClientHello with
// when the listener finds no common application protocol.
const errNoApplicationProtocol = transportError(0x0178)

func (e transportError) String() string {
	switch e {
	case errNo:
		return "NO_ERROR"
	case errInternal:
		return "INTERNAL_ERROR"
	case errConnectionRefused:
		return "CONNECTION_REFUSED"
	case errFlowControl:
		return "FLOW_CONTROL_ERROR"
	case errProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case errCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case errKeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case errNoViablePath:
		return "NO_VIABLE_PATH"
	}
	if e >= 0x0100 && e <= 0x01ff {
		return fmt.Sprintf("CRYPTO_ERROR(%v)", uint64(e)&0xff)
	}
	return fmt.Sprintf("ERROR %d", uint64(e))
}

// A localTransportError is an error this endpoint closes the connection with.
type localTransportError struct {
	code   transportError
	reason string
}

func (e localTransportError) Error() string {
	if e.reason == "" {
		return fmt.Sprintf("closed connection: %v", e.code)
	}
	return fmt.Sprintf("closed connection: %v: %q", e.code, e.reason)
}

// A peerTransportError is an error received from the peer.
type peerTransportError struct {
	code   transportError
	reason string
}

func (e peerTransportError) Error() string {
	return fmt.Sprintf("peer closed connection: %v: %q", e.code, e.reason)
}

// errOutOfMemory is returned when a local allocation (most notably, a
// sparseAckRanges insert) fails against its cap. The caller must escalate
// it to a fatal localTransportError: the one case where plain resource
// exhaustion becomes an on-wire error code.
var errOutOfMemory = localTransportError{code: errInternal, reason: "out of memory"}

// errInvalidState is returned when an API is invoked after the connection
// has already closed locally. It is recoverable by the caller: abort
// processing of the current packet, nothing more.
type errInvalidState struct{ reason string }

func (e errInvalidState) Error() string {
	return fmt.Sprintf("quic: invalid state: %s", e.reason)
}

// errPathIDLimitReached is returned by PathIdSet.NewLocalPathID when the
// local path-id budget (peerMaxPathID) is exhausted. It is non-fatal:
// NewLocalPathID has already raised PATHS_BLOCKED when multipath is
// negotiated, and the caller retries once the peer raises its limit.
type errPathIDLimitReached struct{}

func (errPathIDLimitReached) Error() string { return "quic: path id limit reached" }
