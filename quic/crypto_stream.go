package quic

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameBuilder is the packet-builder collaborator CryptoStream writes
// CRYPTO frames into. It reports the encryption level and available
// space of the packet currently being assembled, and accepts one CRYPTO
// frame record at a time.
type FrameBuilder interface {
	Level() EncryptLevel
	AvailableSize() int64
	AppendCryptoFrame(levelOffset, length int64, data []byte)
}

// recoveryRange tracks the retransmission window opened by OnLoss.
type recoveryRange struct {
	nextOffset, endOffset int64
	inRecovery            bool
}

// FlightStats records how many CRYPTO-stream bytes each handshake flight
// occupied, per role. It is observability only; nothing in the core reads
// it back.
type FlightStats struct {
	ClientFlight1Bytes int64
	ClientFlight2Bytes int64
	ServerFlight1Bytes int64
}

// CryptoStream is the reliable, multi-level CRYPTO-frame stream: send
// queue, loss recovery, receive reassembly, and the TLS pump. There is
// one CryptoStream per connection.
type CryptoStream struct {
	role Side

	// Send side. out.start is bufferAckedPrefix/unAckedOffset;
	// out.end is bufferTotalLength.
	out            streamBuffer
	nextSendOffset int64
	maxSentLength  int64
	sparseAck      RangeSet[int64] // sparseAckRanges
	recovery       recoveryRange

	// encryptLevelStarts[L] is the offset at which L's handshake bytes
	// begin in out; -1 means the level hasn't started yet. INITIAL is
	// always 0.
	encryptLevelStarts [encryptLevelCount]int64

	// Receive side. recvRanges records which absolute offsets have
	// actually arrived: the reassembly buffer itself cannot distinguish a
	// written byte from a gap, and TLS must never be fed bytes from a hole.
	in                          streamBuffer
	recvRanges                  RangeSet[int64]
	recvEncryptLevelStartOffset int64
	recvTotalConsumed           int64
	currentReadKey              EncryptLevel

	// TLS pump single-flight guard. tlsPendingConsumed remembers how
	// many receive bytes a call that returned TLSFlagPending was handed,
	// so ProcessTLSComplete can advance recvTotalConsumed once it lands.
	tlsCallPending     bool
	tlsDataPending     bool
	tlsPendingConsumed int64

	// sendBufferCap bounds how many outstanding (unacknowledged) send-buffer
	// bytes may be retained at once; sized per role from the Config at
	// Initialize.
	sendBufferCap int64

	initialized    bool
	connected      bool
	closedLocally  bool
	tlsInitialized bool

	flight FlightStats

	// secConfig/localTP are retained only to hand to sessionCache on
	// completion; the core never inspects their contents.
	secConfig *SecConfig
	localTP   *TransportParameters

	ks           *KeySchedule
	tls          TLSHandshake
	loss         LossDetection
	sch          SendScheduler
	sessionCache SessionCache
	listener     ListenerAcceptance
	cids         CIDIssuer

	cfg *Config
}

// NewCryptoStream constructs an uninitialized CryptoStream. Call
// Initialize before using it.
func NewCryptoStream(cfg *Config, tls TLSHandshake, loss LossDetection, sch SendScheduler, ks *KeySchedule) *CryptoStream {
	cs := &CryptoStream{
		tls:  tls,
		loss: loss,
		sch:  sch,
		ks:   ks,
		cfg:  cfg,
	}
	for i := range cs.encryptLevelStarts {
		cs.encryptLevelStarts[i] = -1
	}
	cs.encryptLevelStarts[EncryptLevelInitial] = 0
	return cs
}

// WithSessionCache attaches the client-side resumption cache collaborator;
// a nil cache (the default) simply skips the callback.
func (cs *CryptoStream) WithSessionCache(sc SessionCache) *CryptoStream {
	cs.sessionCache = sc
	return cs
}

// WithListener attaches the server-side listener-acceptance collaborator
// consulted on the first ClientHello. When set, InitializeTls may be
// called with a nil SecConfig: TLS initialization is deferred until the
// listener has chosen one.
func (cs *CryptoStream) WithListener(la ListenerAcceptance) *CryptoStream {
	cs.listener = la
	return cs
}

// WithCIDIssuer attaches the connection-id issuer (typically the
// connection's PathIdSet) consulted on handshake completion to rotate
// the handshake-time source CIDs out; nil skips the rotation.
func (cs *CryptoStream) WithCIDIssuer(ci CIDIssuer) *CryptoStream {
	cs.cids = ci
	return cs
}

// Initialize allocates the send/receive buffers and derives INITIAL keys.
// handshakeCID is the local initial source CID on a server, or the
// destination CID chosen by the client.
func (cs *CryptoStream) Initialize(role Side, handshakeCID []byte) error {
	cs.role = role
	if role == ServerSide {
		cs.sendBufferCap = cs.cfg.serverSendBufferSize()
	} else {
		cs.sendBufferCap = cs.cfg.clientSendBufferSize()
	}
	cs.ks.installInitial(role, handshakeCID)
	cs.initialized = true
	cs.cfg.logger().WithFields(logrus.Fields{
		"role":  role.String(),
		"event": "crypto_initialize",
	}).Debug("installed INITIAL keys")
	return nil
}

// InitializeTls hands local transport parameters to the TLS collaborator
// and, on the client, immediately pumps TLS to produce ClientHello bytes.
// A server with a listener attached may pass a nil secConfig: TLS
// initialization then waits for the listener to choose one from the
// ClientHello.
func (cs *CryptoStream) InitializeTls(secConfig *SecConfig, localTP *TransportParameters) error {
	cs.secConfig = secConfig
	cs.localTP = localTP
	if cs.role == ServerSide && secConfig == nil && cs.listener != nil {
		return nil
	}
	state := &TLSState{}
	if err := cs.tls.Initialize(secConfig, localTP, state); err != nil {
		return err
	}
	cs.tlsInitialized = true
	if cs.role == ClientSide {
		return cs.pumpTLS(EncryptLevelInitial, nil, true)
	}
	return nil
}

// Reset restores the send pointers to zero (client-only). If resetTls,
// it asks the TLS collaborator to restart; otherwise the previously
// buffered data is re-queued for retransmission. Fatal unless the TLS
// pump is quiescent and no bytes have yet been delivered upward.
func (cs *CryptoStream) Reset(resetTls bool) error {
	if cs.role != ClientSide {
		return errInvalidState{reason: "reset is client-only"}
	}
	if cs.tlsCallPending || cs.tlsDataPending {
		return errInvalidState{reason: "reset while TLS pump is not quiescent"}
	}
	if cs.recvTotalConsumed != 0 {
		return errInvalidState{reason: "reset after bytes already delivered to TLS"}
	}
	if resetTls {
		cs.tls.Reset()
		cs.out = streamBuffer{}
		cs.nextSendOffset = 0
		cs.maxSentLength = 0
		cs.sparseAck = nil
		cs.recovery = recoveryRange{}
		return cs.pumpTLS(EncryptLevelInitial, nil, true)
	}
	// Re-queue everything already buffered: pretend none of it was sent.
	cs.nextSendOffset = cs.out.start
	cs.maxSentLength = cs.out.start
	cs.recovery = recoveryRange{}
	cs.sch.SetSendFlag(SendFlagCrypto)
	return nil
}

// NextEncryptLevel is the builder-facing level-selection rule: prefer
// the recovery window if one is open, else nextSendOffset; then pick the
// highest level whose bytes are ready.
func (cs *CryptoStream) NextEncryptLevel() EncryptLevel {
	left := cs.nextSendOffset
	if cs.recovery.inRecovery {
		left = cs.recovery.nextOffset
	}
	if start := cs.encryptLevelStarts[EncryptLevel1RTT]; start >= 0 && left >= start && cs.out.end > start {
		return EncryptLevel1RTT
	}
	if start := cs.encryptLevelStarts[EncryptLevelHandshake]; start >= 0 && left >= start {
		return EncryptLevelHandshake
	}
	return EncryptLevelInitial
}

// levelUpperBound returns the offset at which level's bytes end in out,
// i.e. the offset of the next level's first byte. Levels that haven't
// started yet (encryptLevelStarts == -1) contribute no bytes to the
// buffer, so bufferTotalLength is an equivalent bound.
func (cs *CryptoStream) levelUpperBound(level EncryptLevel) int64 {
	next := level.next()
	if next == level {
		return cs.out.end
	}
	if start := cs.encryptLevelStarts[next]; start >= 0 {
		return start
	}
	return cs.out.end
}

// WriteFrames emits as many CRYPTO frames as fit in the
// packet currently being built, honoring recovery, SACK gaps, and
// encryption-level boundaries. Returns whether anything was written.
func (cs *CryptoStream) WriteFrames(b FrameBuilder) bool {
	wrote := false
	level := b.Level()
	levelStart := cs.encryptLevelStarts[level]
	if levelStart < 0 {
		return false
	}
	levelEnd := cs.levelUpperBound(level)

	for {
		left := cs.nextSendOffset
		if cs.recovery.inRecovery {
			left = cs.recovery.nextOffset
		}
		if left == cs.out.end {
			break
		}
		remaining := b.AvailableSize()
		if remaining <= 0 {
			break
		}
		right := left + remaining

		if cs.recovery.inRecovery && cs.recovery.endOffset != cs.nextSendOffset {
			if right > cs.recovery.endOffset {
				right = cs.recovery.endOffset
			}
		}

		var skip i64range[int64]
		if sack, ok := cs.sparseAck.firstAtOrAfter(left); ok {
			if right > sack.start {
				right = sack.start
			}
			skip = sack
		} else if right > cs.out.end {
			right = cs.out.end
		}

		if right > levelEnd {
			right = levelEnd
		}
		if right <= left {
			break
		}

		length := right - left
		buf := make([]byte, length)
		cs.out.copy(left, buf)
		b.AppendCryptoFrame(left-levelStart, length, buf)
		wrote = true

		cs.cfg.metrics().addBytesSent(length)
		if cs.recoveryActiveFor(left) {
			cs.cfg.metrics().addBytesRetransmitted(length)
		}

		if cs.recovery.inRecovery {
			cs.recovery.nextOffset = right
		} else {
			cs.nextSendOffset = right
		}
		if skip.size() > 0 && right == skip.start {
			if cs.recovery.inRecovery {
				cs.recovery.nextOffset += skip.size()
			} else {
				cs.nextSendOffset += skip.size()
			}
		}
		if right > cs.maxSentLength {
			cs.maxSentLength = right
		}
	}

	if !cs.hasPendingSend() {
		cs.sch.ClearSendFlag(SendFlagCrypto)
	}
	return wrote
}

// recoveryActiveFor reports whether left lies inside an in-progress
// recovery window, purely to decide whether a write should be attributed
// to the "retransmitted" metric rather than "sent".
func (cs *CryptoStream) recoveryActiveFor(left int64) bool {
	return cs.recovery.inRecovery && left >= cs.recovery.nextOffset && left < cs.recovery.endOffset
}

func (cs *CryptoStream) hasPendingSend() bool {
	if cs.recovery.inRecovery && cs.recovery.nextOffset < cs.recovery.endOffset {
		return true
	}
	return cs.nextSendOffset < cs.out.end
}

// write appends locally-produced TLS handshake bytes (from the pump) to
// the send buffer and raises the CRYPTO send flag. Fails with
// errOutOfMemory if doing so would grow the outstanding send buffer past
// sendBufferCap.
func (cs *CryptoStream) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	start := cs.out.end
	if cs.sendBufferCap > 0 && start+int64(len(b))-cs.out.start > cs.sendBufferCap {
		return errOutOfMemory
	}
	cs.out.writeAt(b, start)
	cs.sch.SetSendFlag(SendFlagCrypto)
	return nil
}

// OnAck processes an acknowledgment for the byte range
// [offset, offset+length) of the CRYPTO stream.
func (cs *CryptoStream) OnAck(offset, length int64) error {
	end := offset + length
	if offset <= cs.out.start {
		if end <= cs.out.start {
			cs.clearSendFlagIfIdle()
			return nil
		}
		old := cs.out.start
		newUnacked := end
		// Absorb a subrange the new cumulative point lands in or exactly
		// meets, then drop everything that now sits at or below it.
		if sack := cs.sparseAck.rangeContaining(newUnacked); sack.size() > 0 {
			newUnacked = sack.end
		}
		cs.sparseAck.trimBelow(newUnacked)
		cs.out.discardBefore(newUnacked)
		cs.cfg.metrics().addBytesAcked(newUnacked - old)

		if cs.nextSendOffset < newUnacked {
			cs.nextSendOffset = newUnacked
		}
		if cs.recovery.inRecovery && cs.recovery.nextOffset < newUnacked {
			cs.recovery.nextOffset = newUnacked
		}
		if cs.recovery.inRecovery && cs.recovery.endOffset <= newUnacked {
			cs.recovery = recoveryRange{}
		}

		if cs.role == ServerSide && cs.encryptLevelStarts[EncryptLevel1RTT] >= 0 &&
			newUnacked >= cs.out.end {
			publishEvent(cs.cfg.events(), ConnEvent{Kind: ConnEventResumptionTicketReady})
		}
	} else {
		if !cs.sparseAck.overlapsOrTouches(offset, end) && cs.sparseAck.numRanges() >= sparseAckRangeCap {
			return errOutOfMemory
		}
		cs.sparseAck.add(offset, end)
		cs.cfg.metrics().addBytesAcked(length)
		if merged, ok := cs.rangeContainingMerged(offset, end); ok {
			if cs.nextSendOffset >= merged.start && cs.nextSendOffset < merged.end {
				cs.nextSendOffset = merged.end
			}
			if cs.recovery.inRecovery && cs.recovery.nextOffset >= merged.start && cs.recovery.nextOffset < merged.end {
				cs.recovery.nextOffset = merged.end
			}
		}
	}
	cs.clearSendFlagIfIdle()
	return nil
}

// rangeContainingMerged returns the (possibly coalesced) sparseAck range
// now covering [offset,end), used to push a send pointer resting inside
// it forward to the range's upper edge: a "next" pointer never rests on
// an already-acked byte.
func (cs *CryptoStream) rangeContainingMerged(offset, end int64) (i64range[int64], bool) {
	r := cs.sparseAck.rangeContaining(offset)
	if r.size() == 0 {
		r = cs.sparseAck.rangeContaining(end - 1)
	}
	if r.size() == 0 {
		return i64range[int64]{}, false
	}
	return r, true
}

func (cs *CryptoStream) clearSendFlagIfIdle() {
	if !cs.hasPendingSend() {
		cs.sch.ClearSendFlag(SendFlagCrypto)
	}
}

// OnLoss widens the recovery window to cover a lost range [start,end),
// minus anything already covered by unAckedOffset or an existing SACK
// range; SACKs embedded inside the loss range are skipped at emission
// time rather than splitting the recovery window.
func (cs *CryptoStream) OnLoss(start, end int64) {
	if end <= cs.out.start {
		return
	}
	if start < cs.out.start {
		start = cs.out.start
	}
	for _, r := range cs.sparseAck {
		if r.end <= start || r.start >= end {
			continue
		}
		switch {
		case r.start <= start && r.end >= end:
			return
		case r.start <= start:
			start = r.end
		case r.end >= end:
			end = r.start
		default:
			// SACK lies strictly inside; widen rather than split, and
			// skip the acked gap at emission time.
		}
	}
	if start >= end {
		return
	}
	changed := false
	if !cs.recovery.inRecovery || start < cs.recovery.nextOffset {
		cs.recovery.nextOffset = start
		changed = true
	}
	if !cs.recovery.inRecovery || end > cs.recovery.endOffset {
		cs.recovery.endOffset = end
		changed = true
	}
	if changed {
		cs.recovery.inRecovery = true
		cs.sch.SetSendFlag(SendFlagCrypto)
		cs.sch.QueueFlush("crypto loss recovery")
	}
}

// ProcessFrame reassembles an inbound CRYPTO frame and
// pump TLS once the prefix is contiguous.
func (cs *CryptoStream) ProcessFrame(keyType EncryptLevel, offset int64, data []byte) error {
	if len(data) == 0 || !cs.initialized {
		return nil
	}
	if cs.closedLocally {
		return errInvalidState{reason: "connection closed locally"}
	}
	keyType = normalizeReadLevel(keyType)
	if keyType < cs.currentReadKey {
		return nil // old retransmit; not an error
	}

	abs := cs.recvEncryptLevelStartOffset + offset
	end := abs + int64(len(data))
	if end-cs.in.start > cs.cfg.maxCryptoRecvBuffer() {
		return localTransportError{code: errCryptoBufferExceeded, reason: "crypto receive buffer exceeded"}
	}
	cs.in.writeAt(data, abs)
	cs.recvRanges.add(abs, end)

	// Data landed somewhere other than the current front: nothing more to
	// do until the gap closes.
	if cs.recvRanges.rangeContaining(cs.recvTotalConsumed).size() == 0 {
		return nil
	}
	if cs.tlsCallPending {
		cs.tlsDataPending = true
		return nil
	}
	if err := cs.pumpTLS(keyType, nil, false); err != nil {
		return err
	}
	if cs.closedLocally {
		return errInvalidState{reason: "connection closed during TLS processing"}
	}
	return nil
}

// OnHandshakeConfirmed discards HANDSHAKE keys; idempotent.
func (cs *CryptoStream) OnHandshakeConfirmed() {
	cs.DiscardKeys(EncryptLevelHandshake)
}

// DiscardKeys frees both keys at level and retires that level's send
// range so none of its bytes can ever be retransmitted. Idempotent.
func (cs *CryptoStream) DiscardKeys(level EncryptLevel) bool {
	if !cs.ks.discard(level) {
		return false
	}
	cs.cfg.metrics().recordKeyDiscard(level)
	cs.cfg.logger().WithFields(logrus.Fields{
		"level": level.String(),
		"event": "discard_keys",
	}).Debug("discarded packet protection keys")

	if level != EncryptLevel1RTT {
		boundary := cs.levelUpperBound(level)
		if level == EncryptLevel0RTT {
			// 0-RTT has no CRYPTO bytes of its own, so no send range to retire.
			boundary = 0
		}
		if cs.nextSendOffset < boundary {
			cs.nextSendOffset = boundary
		}
		if cs.maxSentLength < boundary {
			cs.maxSentLength = boundary
		}
		if cs.out.start < boundary {
			cs.out.discardBefore(boundary)
			cs.sparseAck.trimBelow(boundary)
		}
		if cs.recovery.inRecovery && cs.recovery.nextOffset < boundary {
			cs.recovery.nextOffset = boundary
			if cs.recovery.nextOffset >= cs.recovery.endOffset {
				cs.recovery = recoveryRange{}
			}
		}
		cs.loss.DiscardPackets(level)
		// Re-run the send path so no ACK is attempted at a level whose
		// keys no longer exist.
		cs.sch.QueueFlush("key discard")
	}
	return true
}

// OnConnectionClosed records that the connection has initiated a local
// close. Subsequent ProcessFrame calls fail with InvalidState so the
// caller aborts further processing of the current packet.
func (cs *CryptoStream) OnConnectionClosed() {
	cs.closedLocally = true
}

// Uninitialize frees all buffers and keys; idempotent.
func (cs *CryptoStream) Uninitialize() {
	if !cs.initialized {
		return
	}
	cs.out = streamBuffer{}
	cs.in = streamBuffer{}
	cs.sparseAck = nil
	cs.recvRanges = nil
	*cs.ks = KeySchedule{}
	cs.initialized = false
}

// validate panics on a broken offset invariant rather than returning an
// error a caller could plausibly ignore.
func (cs *CryptoStream) validate() {
	if !(cs.out.start <= cs.nextSendOffset && cs.nextSendOffset <= cs.maxSentLength && cs.maxSentLength <= cs.out.end) {
		panic(fmt.Sprintf("quic: BUG: crypto stream offsets out of order: %d <= %d <= %d <= %d",
			cs.out.start, cs.nextSendOffset, cs.maxSentLength, cs.out.end))
	}
	for _, r := range cs.sparseAck {
		if r.start < cs.out.start {
			panic("quic: BUG: sparse ack range below the unacked offset")
		}
	}
}

// The accessors below expose read-only state for tests and cmd/quicdump;
// none of them are part of the operational contract.

// UnackedOffset returns the smallest offset not yet acknowledged.
func (cs *CryptoStream) UnackedOffset() int64 { return cs.out.start }

// NextSendOffset returns the offset of the next new byte to transmit.
func (cs *CryptoStream) NextSendOffset() int64 { return cs.nextSendOffset }

// MaxSentLength returns the highest offset ever transmitted (+1).
func (cs *CryptoStream) MaxSentLength() int64 { return cs.maxSentLength }

// BufferTotalLength returns the logical total length of the send buffer.
func (cs *CryptoStream) BufferTotalLength() int64 { return cs.out.end }

// BufferLength returns the number of bytes still retained in the send
// buffer (not yet acknowledged).
func (cs *CryptoStream) BufferLength() int64 { return cs.out.length() }

// SparseAckRangeCount returns the number of disjoint SACK subranges
// currently recorded above UnackedOffset.
func (cs *CryptoStream) SparseAckRangeCount() int { return cs.sparseAck.numRanges() }

// InRecovery reports whether a loss-triggered retransmission window is
// currently open.
func (cs *CryptoStream) InRecovery() bool { return cs.recovery.inRecovery }

// Connected reports whether the handshake has completed.
func (cs *CryptoStream) Connected() bool { return cs.connected }

// EncryptLevelStart returns the offset at which level's handshake bytes
// begin in the send buffer, or -1 if that level hasn't started yet.
func (cs *CryptoStream) EncryptLevelStart(level EncryptLevel) int64 { return cs.encryptLevelStarts[level] }

// FlightStats returns the per-role handshake flight byte counts recorded
// so far.
func (cs *CryptoStream) FlightStats() FlightStats { return cs.flight }

// HandshakeTimeout returns the duration the connection collaborator should
// wait for this handshake to reach TLSFlagComplete before giving up.
func (cs *CryptoStream) HandshakeTimeout() time.Duration { return cs.cfg.handshakeTimeout() }

// Validate panics if the stream's offset ordering or sparse-ack
// bookkeeping is currently inconsistent; exported so tests and the CLI
// tool can assert it after a sequence of operations.
func (cs *CryptoStream) Validate() { cs.validate() }

// DebugWrite injects locally-produced handshake bytes directly into level's
// send buffer, bypassing the TLS pump entirely. It exists only for
// cmd/quicdump's scripted trace replay: production code always routes
// outbound bytes through TlsAdapter's applyTLSResult/write path.
func (cs *CryptoStream) DebugWrite(level EncryptLevel, data []byte) error {
	if cs.encryptLevelStarts[level] < 0 {
		cs.encryptLevelStarts[level] = cs.out.end
	}
	return cs.write(data)
}
