package quic

import (
	"crypto"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// Secret is an opaque packet-protection secret. KeySchedule only manages
// the lifecycle of secrets (install, discard, rotate); turning a Secret
// into an AEAD capable of actually encrypting or decrypting a packet is
// an encryption primitive delegated to the TLSHandshake collaborator's
// cipher suite.
type Secret []byte

// keySlot is a read/write pair of secrets for one encryption level.
type keySlot struct {
	read, write Secret
}

func (s keySlot) canRead() bool  { return s.read != nil }
func (s keySlot) canWrite() bool { return s.write != nil }
func (s keySlot) isSet() bool    { return s.canRead() && s.canWrite() }

// KeySchedule owns the packet-protection key slots for all four
// encryption levels of one connection. INITIAL, HANDSHAKE, and
// 0-RTT have a single slot each; 1-RTT additionally keeps OLD/CURRENT/NEW
// slots to support key-phase rotation while reordered packets from the
// previous phase are still in flight.
type KeySchedule struct {
	levels [encryptLevelCount]keySlot // 1-RTT entry mirrors oneRTT.current

	oneRTT struct {
		old, current, next keySlot
		headerKey          Secret // does not rotate with the phase
	}

	cipherSuite crypto.Hash // hash algorithm backing the HKDF-Expand-Label derivations

	updateCount          uint64
	phaseBeganAt         PacketNumber
	awaitingConfirmation bool
}

// https://www.rfc-editor.org/rfc/rfc9001#section-5.2-2
var quicInitialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6,
	0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// installInitial derives INITIAL read/write secrets from the
// version-specific salt and the handshake connection ID, per RFC 9001
// §5.2: server reads with the client secret and writes with the server
// secret, and vice versa for the client.
func (ks *KeySchedule) installInitial(side Side, handshakeCID []byte) {
	ks.cipherSuite = crypto.SHA256
	initialSecret := hkdf.Extract(sha256.New, handshakeCID, quicInitialSalt)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", nil, sha256.Size)
	if side == ClientSide {
		ks.levels[EncryptLevelInitial] = keySlot{read: serverSecret, write: clientSecret}
	} else {
		ks.levels[EncryptLevelInitial] = keySlot{read: clientSecret, write: serverSecret}
	}
}

// installRead/installWrite are invoked from TlsAdapter when the TLS
// collaborator reports TLSFlagReadKeyUpdated / TLSFlagWriteKeyUpdated.
func (ks *KeySchedule) installRead(level EncryptLevel, secret Secret) {
	if level == EncryptLevel1RTT {
		ks.oneRTT.current.read = secret
		ks.levels[EncryptLevel1RTT].read = secret
		return
	}
	ks.levels[level].read = secret
}

func (ks *KeySchedule) installWrite(level EncryptLevel, secret Secret) {
	if level == EncryptLevel1RTT {
		ks.oneRTT.current.write = secret
		ks.levels[EncryptLevel1RTT].write = secret
		// The header-protection secret is derived once, from the first
		// 1-RTT secret, and survives every subsequent key-phase rotation
		// (RFC 9001 §6.1: header protection is not updated).
		if ks.oneRTT.headerKey == nil && ks.cipherSuite != 0 {
			ks.oneRTT.headerKey = hkdfExpandLabel(ks.cipherSuite.New, secret, "quic hp", nil, len(secret))
		}
		return
	}
	ks.levels[level].write = secret
}

func (ks *KeySchedule) canRead(level EncryptLevel) bool  { return ks.levels[level].canRead() }
func (ks *KeySchedule) canWrite(level EncryptLevel) bool { return ks.levels[level].canWrite() }

// discard frees both keys at level. Reports whether it actually discarded
// anything, so CryptoStream.DiscardKeys stays idempotent.
func (ks *KeySchedule) discard(level EncryptLevel) bool {
	if !ks.levels[level].canRead() && !ks.levels[level].canWrite() {
		return false
	}
	ks.levels[level] = keySlot{}
	if level == EncryptLevel1RTT {
		ks.oneRTT.current = keySlot{}
		ks.oneRTT.old = keySlot{}
		ks.oneRTT.next = keySlot{}
		ks.oneRTT.headerKey = nil
	}
	return true
}

// generateNewKeys derives the NEW 1-RTT read and write secrets from
// CURRENT via HKDF-Expand-Label("quic ku", ...), RFC 9001 §6.1. Both
// derivations must succeed before either is installed; a torn key
// update, where only one direction advances, must never be observable.
func (ks *KeySchedule) generateNewKeys() {
	cur := ks.oneRTT.current
	if cur.read == nil || cur.write == nil {
		return
	}
	ks.oneRTT.next = keySlot{
		read:  updateSecretLabel(ks.cipherSuite, cur.read),
		write: updateSecretLabel(ks.cipherSuite, cur.write),
	}
}

// updateKeyPhase performs the atomic OLD/CURRENT/NEW shift of a key
// update: the header key stays with CURRENT and does not rotate per-phase,
// so only the body-protection secrets move. OLD is freed, CURRENT becomes
// OLD, NEW becomes CURRENT, and NEW is cleared pending the next
// generateNewKeys call.
func (ks *KeySchedule) updateKeyPhase(localInitiated bool, beganAt PacketNumber) {
	ks.oneRTT.old = ks.oneRTT.current
	ks.oneRTT.current = ks.oneRTT.next
	ks.oneRTT.next = keySlot{}
	ks.levels[EncryptLevel1RTT] = ks.oneRTT.current

	ks.updateCount++
	ks.phaseBeganAt = beganAt
	ks.awaitingConfirmation = true
	_ = localInitiated // recorded by the caller's event/log, not by key state itself
}

// confirmKeyPhase is called once the new phase's first ack-eliciting
// packet has been acknowledged, retiring the OLD slot for good.
func (ks *KeySchedule) confirmKeyPhase() {
	ks.awaitingConfirmation = false
	ks.oneRTT.old = keySlot{}
}

// updateSecretLabel is RFC 9001 §6.1's key-update derivation.
func updateSecretLabel(h crypto.Hash, secret Secret) Secret {
	if secret == nil {
		return nil
	}
	return hkdfExpandLabel(h.New, secret, "quic ku", nil, len(secret))
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 §7.1,
// mirroring crypto/tls's internal implementation.
func hkdfExpandLabel(hash func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(hash, secret, b.BytesOrPanic()), out); err != nil {
		panic("quic: short read from HKDF-Expand-Label")
	}
	return out
}
