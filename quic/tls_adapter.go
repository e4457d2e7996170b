package quic

import (
	"github.com/sirupsen/logrus"
)

// The TLS pump: the bridge between CryptoStream's byte-buffer view of
// the handshake and the TLS collaborator's message-oriented view. It
// owns the single-flight guard (tlsCallPending/tlsDataPending) and the
// fixed processing order of a TLS result: WriteKeyUpdated, then
// ReadKeyUpdated, then Data, then Complete.

// availableRecv returns the contiguous run of received-and-unconsumed
// bytes at the front of the receive buffer, clamped to the longest
// complete TLS-message prefix; if no complete message is available yet,
// nothing is consumed. Returns nil if there is nothing to feed.
func (cs *CryptoStream) availableRecv() []byte {
	r := cs.recvRanges.rangeContaining(cs.recvTotalConsumed)
	if r.size() == 0 {
		return nil
	}
	b := make([]byte, r.end-cs.recvTotalConsumed)
	cs.in.copy(cs.recvTotalConsumed, b)
	if k := tlsMessagePrefixLen(b); k < len(b) {
		if k == 0 {
			return nil
		}
		b = b[:k]
	}
	return b
}

// pumpTLS drives one TLS call: the client's very first call (force=true,
// data=nil, meaning "produce ClientHello from nothing"), or a call fed
// with newly-contiguous receive bytes. It enforces single-flight via
// tlsCallPending and applies the fixed result-processing order.
func (cs *CryptoStream) pumpTLS(level EncryptLevel, data []byte, force bool) error {
	if data == nil && !force {
		data = cs.availableRecv()
		if data == nil {
			return nil
		}
	}
	if cs.role == ServerSide && !cs.tlsInitialized && cs.recvTotalConsumed == 0 && len(data) > 0 {
		if err := cs.acceptFromClientHello(data); err != nil {
			return err
		}
	}
	cs.tlsCallPending = true
	state := &TLSState{}
	flags, err := cs.tls.ProcessData(level, data, state)
	if flags&TLSFlagPending != 0 {
		cs.tlsPendingConsumed = int64(len(data))
		return err
	}
	cs.tlsCallPending = false
	return cs.finishTLSCall(int64(len(data)), state, flags, err)
}

// ProcessTLSComplete is invoked by the connection worker in response to a
// TLS-completion operation: a previous pumpTLS/ProcessTLSComplete call
// returned TLSFlagPending, and the TLS collaborator's asynchronous
// callback has since enqueued this completion.
func (cs *CryptoStream) ProcessTLSComplete() error {
	state := &TLSState{}
	flags, err := cs.tls.ProcessDataComplete(state)
	if flags&TLSFlagPending != 0 {
		cs.tlsCallPending = true
		return err
	}
	cs.tlsCallPending = false
	consumed := cs.tlsPendingConsumed
	cs.tlsPendingConsumed = 0
	return cs.finishTLSCall(consumed, state, flags, err)
}

// finishTLSCall applies a completed (non-pending) TLS result: it advances
// recvTotalConsumed past the bytes the call consumed, applies the result
// flags in order, and re-pumps if frame processing queued more data while
// this call was in flight (tlsDataPending).
func (cs *CryptoStream) finishTLSCall(consumed int64, state *TLSState, flags TLSResultFlags, err error) error {
	if err != nil {
		if flags&TLSFlagError != 0 {
			return cs.onTLSError(state)
		}
		return err
	}
	if consumed > 0 {
		cs.recvTotalConsumed += consumed
		cs.in.discardBefore(cs.recvTotalConsumed)
		cs.recvRanges.trimBelow(cs.recvTotalConsumed)
	}
	if flags&TLSFlagError != 0 {
		return cs.onTLSError(state)
	}
	if err := cs.applyTLSResult(flags, state); err != nil {
		return err
	}
	if cs.tlsDataPending {
		cs.tlsDataPending = false
		return cs.pumpTLS(cs.currentReadKey, nil, false)
	}
	return nil
}

// applyTLSResult processes one TLS result's flags in fixed order:
// WriteKeyUpdated, ReadKeyUpdated, Data, Complete. EarlyData and
// Ticket are orthogonal to that ordering and handled alongside.
func (cs *CryptoStream) applyTLSResult(flags TLSResultFlags, state *TLSState) error {
	if flags&TLSFlagWriteKeyUpdated != 0 {
		cs.onWriteKeyUpdated(state)
	}
	if flags&TLSFlagReadKeyUpdated != 0 {
		if err := cs.onReadKeyUpdated(state); err != nil {
			return err
		}
	}
	if flags&TLSFlagData != 0 {
		if err := cs.write(state.Data); err != nil {
			return err
		}
	}
	if flags&TLSFlagEarlyDataRejected != 0 {
		cs.onEarlyDataRejected()
	}
	if flags&TLSFlagEarlyDataAccepted != 0 {
		cs.cfg.logger().Debug("tls: 0-RTT accepted")
	}
	if flags&TLSFlagComplete != 0 {
		if err := cs.onComplete(state); err != nil {
			return err
		}
	}
	if flags&TLSFlagTicket != 0 {
		cs.cfg.logger().Debug("tls: received session ticket")
	}
	return nil
}

// onWriteKeyUpdated installs a new write secret and, the first time a
// level starts producing send bytes, records where in the shared buffer
// it begins (bufferOffsetHandshake / bufferOffset1Rtt). It then performs
// the automatic key discards that key installation triggers.
func (cs *CryptoStream) onWriteKeyUpdated(state *TLSState) {
	level := state.WriteLevel
	cs.ks.installWrite(level, state.WriteSecret)
	if cs.encryptLevelStarts[level] < 0 {
		cs.encryptLevelStarts[level] = cs.out.end
	}
	cs.cfg.logger().WithFields(logrus.Fields{
		"level": level.String(),
		"event": "write_key_updated",
	}).Debug("installed write key")

	switch {
	case cs.role == ClientSide && level == EncryptLevelHandshake:
		cs.DiscardKeys(EncryptLevelInitial)
	case level == EncryptLevel1RTT && cs.role == ClientSide:
		cs.discardZeroRTT()
	}

	switch {
	case cs.role == ServerSide && level == EncryptLevel1RTT:
		cs.flight.ServerFlight1Bytes = cs.encryptLevelStarts[EncryptLevel1RTT]
	case cs.role == ClientSide && level == EncryptLevelHandshake:
		cs.flight.ClientFlight1Bytes = cs.encryptLevelStarts[EncryptLevelHandshake]
	case cs.role == ClientSide && level == EncryptLevel1RTT:
		cs.flight.ClientFlight2Bytes = cs.encryptLevelStarts[EncryptLevel1RTT] - cs.flight.ClientFlight1Bytes
	}
}

// onReadKeyUpdated installs a new read secret. Any bytes still unread at
// the previous level are a protocol violation: the peer is required to
// finish a level's handshake flight before moving its write key forward
// past it. The new level's CRYPTO-frame offsets are relative to
// recvTotalConsumed at the moment of the switch.
func (cs *CryptoStream) onReadKeyUpdated(state *TLSState) error {
	if cs.in.end > cs.recvTotalConsumed {
		return localTransportError{code: errProtocolViolation, reason: "unread data at previous encryption level"}
	}
	level := state.ReadLevel
	cs.ks.installRead(level, state.ReadSecret)
	cs.currentReadKey = level
	cs.recvEncryptLevelStartOffset = cs.recvTotalConsumed
	cs.cfg.logger().WithFields(logrus.Fields{
		"level": level.String(),
		"event": "read_key_updated",
	}).Debug("installed read key")

	switch {
	case cs.role == ServerSide && level == EncryptLevelHandshake:
		cs.flight.ClientFlight1Bytes = cs.recvTotalConsumed
	case cs.role == ServerSide && level == EncryptLevel1RTT:
		cs.flight.ClientFlight2Bytes = cs.recvTotalConsumed - cs.flight.ClientFlight1Bytes
	case cs.role == ClientSide && level == EncryptLevel1RTT:
		cs.flight.ServerFlight1Bytes = cs.recvTotalConsumed
	}
	return nil
}

// discardZeroRTT is the client-side 0-RTT key discard triggered by
// installing the 1-RTT write key and by an explicit rejection from the
// TLS collaborator.
func (cs *CryptoStream) discardZeroRTT() {
	if cs.ks.discard(EncryptLevel0RTT) {
		cs.loss.DiscardPackets(EncryptLevel0RTT)
	}
}

func (cs *CryptoStream) onEarlyDataRejected() {
	cs.discardZeroRTT()
	cs.loss.OnZeroRTTRejected()
}

// onComplete handles handshake completion. 1-RTT keys must already exist
// in both directions; the connection is marked connected, fresh source
// CIDs are generated to retire the handshake-time ids, and the event is
// indicated. Duplicate completion is tolerated.
func (cs *CryptoStream) onComplete(state *TLSState) error {
	if cs.connected {
		return nil
	}
	if !cs.ks.canRead(EncryptLevel1RTT) || !cs.ks.canWrite(EncryptLevel1RTT) {
		return localTransportError{code: errInternal, reason: "handshake complete without 1-RTT keys"}
	}
	cs.connected = true
	if cs.cids != nil {
		cs.cids.GenerateNewSourceCIDs()
	}
	if cs.role == ServerSide {
		cs.OnHandshakeConfirmed()
		cs.sch.SetSendFlag(SendFlagHandshakeDone)
	}
	if cs.role == ClientSide && cs.sessionCache != nil {
		serverName := ""
		if cs.secConfig != nil {
			serverName = cs.secConfig.ServerName
		}
		cs.sessionCache.ServerCacheSetState(serverName, quicVersion1, cs.localTP, cs.secConfig)
	}
	publishEvent(cs.cfg.events(), ConnEvent{
		Kind:    ConnEventConnected,
		Resumed: len(state.ResumptionTicket) > 0,
		ALPN:    state.NegotiatedALPN,
	})
	return nil
}

// acceptFromClientHello handles a server's first read: parse the
// ClientHello for ALPN and SNI, consult the listener-acceptance
// collaborator, and either install the SecConfig it chose (initializing
// TLS with it) or refuse the connection with the transport error the
// rejection maps to.
func (cs *CryptoStream) acceptFromClientHello(data []byte) error {
	info, err := parseClientHelloInfo(data)
	if err != nil {
		return localTransportError{code: errInternal, reason: "malformed ClientHello"}
	}
	if cs.listener == nil {
		return localTransportError{code: errConnectionRefused, reason: "no listener"}
	}
	result, secConfig := cs.listener.AcceptConnection(info)
	switch result {
	case AcceptConnection:
	case RejectApp:
		return localTransportError{code: errNoApplicationProtocol, reason: "no common application protocol"}
	case RejectNoListener, RejectBusy:
		return localTransportError{code: errConnectionRefused, reason: "connection refused"}
	default:
		return localTransportError{code: errInternal, reason: "listener returned an unknown disposition"}
	}
	cs.secConfig = secConfig
	state := &TLSState{}
	if err := cs.tls.Initialize(secConfig, cs.localTP, state); err != nil {
		return localTransportError{code: errInternal, reason: "tls initialization failed"}
	}
	cs.tlsInitialized = true
	cs.cfg.logger().WithFields(logrus.Fields{
		"server_name": info.ServerName,
		"alpn":        info.ALPN,
		"event":       "listener_accept",
	}).Debug("listener accepted connection")
	return nil
}

// onTLSError maps a failed handshake's TLS alert to
// CRYPTO_ERROR(alert & 0xff), surfaced as a fatal transport error for
// the connection's transport-error handler to act on.
func (cs *CryptoStream) onTLSError(state *TLSState) error {
	return localTransportError{
		code:   errTLSBase + transportError(state.AlertCode&0xff),
		reason: "tls alert",
	}
}
