package quic

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// TLS handshake-message framing and the two ClientHello extensions the
// server's listener-acceptance step inspects. Full ClientHello
// interpretation belongs to the TLS collaborator; this file only peels out
// SNI and ALPN before the handshake proper starts, the way a dispatcher
// peeks at a request before routing it.

const (
	tlsMsgClientHello = 1

	tlsExtServerName = 0
	tlsExtALPN       = 16
)

// tlsMessagePrefixLen returns the length of the longest prefix of b made
// of complete TLS handshake messages (1-byte type, 3-byte length, body).
// The pump feeds the TLS collaborator whole messages only; a trailing
// partial message waits for more CRYPTO frames.
func tlsMessagePrefixLen(b []byte) int {
	n := 0
	for len(b)-n >= 4 {
		l := int(b[n+1])<<16 | int(b[n+2])<<8 | int(b[n+3])
		if len(b)-n < 4+l {
			break
		}
		n += 4 + l
	}
	return n
}

// parseClientHelloInfo extracts the server_name and ALPN extensions from a
// complete ClientHello handshake message. Unknown extensions are skipped;
// anything structurally malformed is an error the caller escalates.
func parseClientHelloInfo(b []byte) (*NewConnectionInfo, error) {
	s := cryptobyte.String(b)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&body) {
		return nil, fmt.Errorf("quic: truncated handshake message")
	}
	if msgType != tlsMsgClientHello {
		return nil, fmt.Errorf("quic: expected ClientHello, got message type %d", msgType)
	}

	var legacyVersion uint16
	var random []byte
	var sessionID, cipherSuites, compression cryptobyte.String
	if !body.ReadUint16(&legacyVersion) ||
		!body.ReadBytes(&random, 32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&cipherSuites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, fmt.Errorf("quic: malformed ClientHello")
	}

	info := &NewConnectionInfo{}
	if body.Empty() {
		return info, nil
	}
	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return nil, fmt.Errorf("quic: malformed ClientHello extensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return nil, fmt.Errorf("quic: malformed ClientHello extension")
		}
		switch extType {
		case tlsExtServerName:
			var nameList cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&nameList) {
				return nil, fmt.Errorf("quic: malformed server_name extension")
			}
			for !nameList.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !nameList.ReadUint8(&nameType) || !nameList.ReadUint16LengthPrefixed(&name) {
					return nil, fmt.Errorf("quic: malformed server_name entry")
				}
				if nameType == 0 {
					info.ServerName = string(name)
				}
			}
		case tlsExtALPN:
			var protocols cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&protocols) {
				return nil, fmt.Errorf("quic: malformed ALPN extension")
			}
			for !protocols.Empty() {
				var proto cryptobyte.String
				if !protocols.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
					return nil, fmt.Errorf("quic: malformed ALPN protocol entry")
				}
				info.ALPN = append(info.ALPN, string(proto))
			}
		}
	}
	return info, nil
}
