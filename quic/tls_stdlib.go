package quic

import (
	"context"
	"crypto/tls"
	"fmt"
)

// StdlibTLS is the production TLSHandshake collaborator, wrapping the
// standard library's QUIC-aware *tls.QUICConn. Certificate validation
// and the handshake's actual cryptography remain entirely crypto/tls's
// concern.
//
// StdlibTLS drains *tls.QUICConn's event queue (NextEvent) on every call
// and folds the events into the single TLSResultFlags/TLSState result
// CryptoStream's pump expects.
type StdlibTLS struct {
	side    Side
	config  *tls.Config
	conn    *tls.QUICConn
	lastCfg *SecConfig
	lastTP  *TransportParameters
}

// NewStdlibTLS constructs a StdlibTLS collaborator for the given side. The
// supplied tls.Config provides certificates (server) or root trust
// (client); SecConfig.ALPN passed to Initialize overrides NextProtos.
func NewStdlibTLS(side Side, config *tls.Config) *StdlibTLS {
	return &StdlibTLS{side: side, config: config}
}

func (t *StdlibTLS) Initialize(cfg *SecConfig, localTP *TransportParameters, state *TLSState) error {
	t.lastCfg, t.lastTP = cfg, localTP
	c := t.config.Clone()
	if cfg != nil {
		if cfg.ServerName != "" {
			c.ServerName = cfg.ServerName
		}
		if len(cfg.ALPN) > 0 {
			c.NextProtos = cfg.ALPN
		}
	}
	qcfg := &tls.QUICConfig{TLSConfig: c}
	if t.side == ClientSide {
		t.conn = tls.QUICClient(qcfg)
	} else {
		t.conn = tls.QUICServer(qcfg)
	}
	if localTP != nil {
		t.conn.SetTransportParameters(localTP.Raw)
	}
	return t.conn.Start(context.Background())
}

// Reset restarts the handshake from scratch: the old QUICConn is closed
// and a fresh one is started with the same configuration, so the next
// ProcessData produces a new ClientHello (see CryptoStream.Reset).
func (t *StdlibTLS) Reset() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	var state TLSState
	_ = t.Initialize(t.lastCfg, t.lastTP, &state)
}

func (t *StdlibTLS) ProcessData(level EncryptLevel, data []byte, state *TLSState) (TLSResultFlags, error) {
	if len(data) > 0 {
		if err := t.conn.HandleData(stdlibLevel(level), data); err != nil {
			return 0, err
		}
	}
	return t.drainEvents(state)
}

func (t *StdlibTLS) ProcessDataComplete(state *TLSState) (TLSResultFlags, error) {
	// *tls.QUICConn has no separate "async completion" call of its own;
	// every async hook it exposes (ClientHelloInfo callbacks, etc.) is
	// resolved internally before NextEvent returns, so draining the event
	// queue again is all a completion call needs to do.
	return t.drainEvents(state)
}

// drainEvents folds *tls.QUICConn's event queue into a single
// TLSResultFlags/TLSState result, matching the order CryptoStream's pump
// applies them in: write-key events first, read-key events next,
// outbound data as it's produced, completion last.
func (t *StdlibTLS) drainEvents(state *TLSState) (TLSResultFlags, error) {
	var flags TLSResultFlags
	for {
		e := t.conn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return flags, nil
		case tls.QUICSetWriteSecret:
			state.WriteLevel = quicLevel(e.Level)
			state.WriteSecret = append(Secret(nil), e.Data...)
			flags |= TLSFlagWriteKeyUpdated
		case tls.QUICSetReadSecret:
			state.ReadLevel = quicLevel(e.Level)
			state.ReadSecret = append(Secret(nil), e.Data...)
			flags |= TLSFlagReadKeyUpdated
		case tls.QUICWriteData:
			state.Data = append(state.Data, e.Data...)
			flags |= TLSFlagData
		case tls.QUICRejectedEarlyData:
			flags |= TLSFlagEarlyDataRejected
		case tls.QUICHandshakeDone:
			flags |= TLSFlagComplete
			if cs := t.conn.ConnectionState(); cs.NegotiatedProtocol != "" {
				state.NegotiatedALPN = cs.NegotiatedProtocol
			}
		case tls.QUICStoreSession:
			if b, err := e.SessionState.Bytes(); err == nil {
				state.ResumptionTicket = b
			}
			flags |= TLSFlagTicket
		case tls.QUICResumeSession:
			// The offered session is accepted as-is; whether 0-RTT data
			// rides on it is signaled separately via QUICRejectedEarlyData.
		case tls.QUICTransportParameters:
			// Transport parameters are the connection collaborator's
			// concern; the crypto core only pumps bytes and keys.
		default:
			return flags, fmt.Errorf("quic: unexpected tls event %v", e.Kind)
		}
	}
}

func stdlibLevel(l EncryptLevel) tls.QUICEncryptionLevel {
	switch l {
	case EncryptLevelInitial:
		return tls.QUICEncryptionLevelInitial
	case EncryptLevelHandshake:
		return tls.QUICEncryptionLevelHandshake
	case EncryptLevel0RTT:
		return tls.QUICEncryptionLevelEarly
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func quicLevel(l tls.QUICEncryptionLevel) EncryptLevel {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return EncryptLevelInitial
	case tls.QUICEncryptionLevelHandshake:
		return EncryptLevelHandshake
	case tls.QUICEncryptionLevelEarly:
		return EncryptLevel0RTT
	default:
		return EncryptLevel1RTT
	}
}
