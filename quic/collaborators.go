package quic

import "time"

// SendFlags is a bitmask of frame classes a connection has pending data
// for. CryptoStream and PathIdSet both raise and clear bits on the
// SendScheduler collaborator; they never decide packet layout themselves.
type SendFlags uint32

const (
	SendFlagCrypto         SendFlags = 1 << iota // CRYPTO frame pending
	SendFlagHandshakeDone                        // HANDSHAKE_DONE frame pending (server only)
	SendFlagPMTUD                                // path MTU discovery probe pending
	SendFlagMaxPathID                            // MAX_PATH_ID frame pending
	SendFlagPathsBlocked                         // PATHS_BLOCKED frame pending
)

// SendScheduler is the collaborator that turns raised send flags into
// packets on the wire. The core never writes to the network directly.
type SendScheduler interface {
	SetSendFlag(flags SendFlags)
	ClearSendFlag(flags SendFlags)
	QueueFlush(reason string)
}

// LossDetection is the per-path collaborator that tracks sent-but-unacked
// packets and schedules retransmission timers. CryptoStream delegates key
// discard and 0-RTT rejection bookkeeping to it; PathIdSet delegates ACK
// frame processing to it.
type LossDetection interface {
	DiscardPackets(level EncryptLevel)
	ProcessAckBlocks(ranges RangeSet[PacketNumber], ecn *ECNCounts, ackDelay time.Duration) error
	OnZeroRTTRejected()
}

// ECNCounts carries the three ECN codepoint counters from an ACK frame's
// optional ECN section (RFC 9000 §19.3.2). The core passes these through
// to LossDetection uninterpreted.
type ECNCounts struct {
	ECT0, ECT1, ECNCE uint64
}

// TLSResultFlags reports what a TLSHandshake call produced. Multiple bits
// may be set in a single result; TlsAdapter processes them in the fixed
// order WriteKeyUpdated, ReadKeyUpdated, Data, Complete.
type TLSResultFlags uint32

const (
	TLSFlagData TLSResultFlags = 1 << iota
	TLSFlagWriteKeyUpdated
	TLSFlagReadKeyUpdated
	TLSFlagEarlyDataAccepted
	TLSFlagEarlyDataRejected
	TLSFlagComplete
	TLSFlagTicket
	TLSFlagError
	// TLSFlagPending is set when the call could not complete synchronously
	// (e.g. an async certificate callback). CryptoStream yields, leaving
	// tlsCallPending set, until ProcessTLSComplete is driven by a
	// completion operation on the connection worker.
	TLSFlagPending
)

// TLSState is the mutable state a TLSHandshake call reads and updates: the
// newly installed keys (if any), outbound handshake bytes produced this
// call, the handshake's negotiated ALPN once known, and the TLS alert code
// on TLSFlagError. The caller zeroes it before each call; the collaborator
// only sets the fields relevant to the flags it returns.
type TLSState struct {
	// WriteLevel/ReadLevel name the level a WriteKeyUpdated/ReadKeyUpdated
	// result applies to; WriteSecret/ReadSecret carry the installed secret.
	WriteLevel  EncryptLevel
	WriteSecret Secret
	ReadLevel   EncryptLevel
	ReadSecret  Secret

	// Data is outbound CRYPTO-stream bytes produced this call, present
	// when TLSFlagData is set.
	Data []byte

	NegotiatedALPN   string
	AlertCode        uint8
	ResumptionTicket []byte
}

// SecConfig is an opaque, collaborator-supplied security configuration
// (certificates, cipher policy) installed into a TLSHandshake at
// initialization, or returned by ListenerAcceptance on a server's first
// ClientHello.
type SecConfig struct {
	ServerName string
	ALPN       []string
}

// TransportParameters is the decoded/encoded RFC 9000 §18 transport
// parameter set, opaque to the crypto core beyond the handful of fields
// PathIdSet inspects (MaxPathID et al. are read by the caller and passed
// to PathIdSet.InitializeTransportParameters directly, not through this
// struct, since the core never parses the wire encoding itself).
type TransportParameters struct {
	Raw []byte
}

// TLSHandshake is the collaborator that drives the actual TLS 1.3
// handshake record layer. Certificate validation and the AEAD/HPKE
// primitives it uses are entirely its concern; the core only pumps bytes
// and keys through it. Go's standard library ships a QUIC-aware
// implementation of this role directly: *tls.QUICConn (see tls_stdlib.go).
type TLSHandshake interface {
	Initialize(cfg *SecConfig, localTP *TransportParameters, state *TLSState) error
	ProcessData(level EncryptLevel, data []byte, state *TLSState) (TLSResultFlags, error)
	ProcessDataComplete(state *TLSState) (TLSResultFlags, error)
	Reset()
}

// AcceptResult is the server's disposition of an inbound ClientHello.
type AcceptResult int

const (
	AcceptConnection AcceptResult = iota
	RejectNoListener
	RejectBusy
	RejectApp
)

// NewConnectionInfo carries the ALPN/SNI extracted from a ClientHello to
// the listener-acceptance collaborator, which picks (or refuses) the
// application protocol the connection will serve.
type NewConnectionInfo struct {
	ServerName string
	ALPN       []string
}

// ListenerAcceptance is consulted exactly once per server connection, on
// the first CRYPTO bytes read at offset 0.
type ListenerAcceptance interface {
	AcceptConnection(info *NewConnectionInfo) (AcceptResult, *SecConfig)
}

// SessionCache lets a client cache server state for future resumption.
// Invoked from the TLS pump's handshake-completion handling.
type SessionCache interface {
	ServerCacheSetState(serverName string, version uint32, tp *TransportParameters, cfg *SecConfig)
}

// ConnEventKind is the kind of event CryptoStream/TlsAdapter raise to the
// connection collaborator through a docker/go-events Sink (see events.go).
type ConnEventKind int

const (
	ConnEventConnected ConnEventKind = iota
	ConnEventShutdown
	ConnEventResumptionTicketReady
)

// ConnEvent is published on the connection's event sink.
type ConnEvent struct {
	Kind         ConnEventKind
	Resumed      bool
	ALPN         string
	TransportErr error
}

// Path is the opaque network-path collaborator a PathId back-links to.
// The core never inspects path state itself; it only asks a path to mint
// fresh source connection ids when the handshake completes, and to drop
// its connection ids when its path id is freed.
type Path interface {
	GenerateNewSourceCIDs()
	RemoveConnectionIDs()
}

// CIDIssuer mints fresh source connection ids for the peer to use once
// the handshake completes, retiring the handshake-time ids. PathIdSet
// implements it across every live path; the connection wires it into
// CryptoStream so completion can trigger the rotation.
type CIDIssuer interface {
	GenerateNewSourceCIDs()
}

// PacketNumberSpace is the per-encryption-level packet space collaborator
// a PathId holds one of per level.
// Allocation/teardown is all PathIdSet needs from it; ACK and loss
// bookkeeping live entirely in the LossDetection collaborator instead.
type PacketNumberSpace interface {
	Initialize() error
	Uninitialize()
}

// PacketMetadata is the subset of a received ACK frame's context PathIdSet
// needs to validate and forward it: which level it arrived on, and the
// largest packet number this endpoint has sent at that level on the ACK's
// path, used to reject an ACK that acknowledges a packet number never sent.
// The path id itself is passed to ProcessAckFrame separately.
type PacketMetadata struct {
	Level       EncryptLevel
	LargestSent PacketNumber
}
