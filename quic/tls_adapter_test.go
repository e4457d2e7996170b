package quic

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

// buildClientHello assembles a minimal but well-formed ClientHello
// handshake message carrying the given SNI and ALPN list.
func buildClientHello(t *testing.T, sni string, alpn []string) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddUint8(tlsMsgClientHello)
	b.AddUint24LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16(0x0303)
		body.AddBytes(make([]byte, 32))
		body.AddUint8LengthPrefixed(func(sess *cryptobyte.Builder) {})
		body.AddUint16LengthPrefixed(func(suites *cryptobyte.Builder) {
			suites.AddUint16(0x1301)
		})
		body.AddUint8LengthPrefixed(func(comp *cryptobyte.Builder) {
			comp.AddUint8(0)
		})
		body.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
			ext.AddUint16(tlsExtServerName)
			ext.AddUint16LengthPrefixed(func(d *cryptobyte.Builder) {
				d.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8(0)
					list.AddUint16LengthPrefixed(func(n *cryptobyte.Builder) {
						n.AddBytes([]byte(sni))
					})
				})
			})
			ext.AddUint16(tlsExtALPN)
			ext.AddUint16LengthPrefixed(func(d *cryptobyte.Builder) {
				d.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					for _, p := range alpn {
						list.AddUint8LengthPrefixed(func(pb *cryptobyte.Builder) {
							pb.AddBytes([]byte(p))
						})
					}
				})
			})
		})
	})
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("building ClientHello: %v", err)
	}
	return out
}

func TestParseClientHelloInfo(t *testing.T) {
	ch := buildClientHello(t, "example.com", []string{"h3", "hq-interop"})
	info, err := parseClientHelloInfo(ch)
	if err != nil {
		t.Fatalf("parseClientHelloInfo: %v", err)
	}
	if info.ServerName != "example.com" {
		t.Fatalf("ServerName = %q, want example.com", info.ServerName)
	}
	if len(info.ALPN) != 2 || info.ALPN[0] != "h3" || info.ALPN[1] != "hq-interop" {
		t.Fatalf("ALPN = %v, want [h3 hq-interop]", info.ALPN)
	}

	if _, err := parseClientHelloInfo([]byte{0x01, 0x00}); err == nil {
		t.Fatalf("truncated message parsed without error")
	}
	if _, err := parseClientHelloInfo([]byte{0x02, 0x00, 0x00, 0x00}); err == nil {
		t.Fatalf("non-ClientHello message parsed without error")
	}
}

func TestTLSMessagePrefixLen(t *testing.T) {
	msg := func(n int) []byte {
		b := make([]byte, 4+n)
		b[0] = tlsMsgClientHello
		b[1], b[2], b[3] = byte(n>>16), byte(n>>8), byte(n)
		return b
	}
	whole := append(msg(5), msg(3)...)
	for _, test := range []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"short header", []byte{1, 0, 0}, 0},
		{"partial body", msg(5)[:7], 0},
		{"one complete", msg(5), 9},
		{"two complete", whole, 16},
		{"complete plus partial", append(append([]byte(nil), whole...), 1, 0), 16},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := tlsMessagePrefixLen(test.in); got != test.want {
				t.Fatalf("tlsMessagePrefixLen = %d, want %d", got, test.want)
			}
		})
	}
}

// TestServerListenerAcceptOnClientHello: on a server's first read, TLS
// initialization waits for the listener to pick a SecConfig from the
// ClientHello's SNI and ALPN.
func TestServerListenerAcceptOnClientHello(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	lst := &fakeListener{result: AcceptConnection, cfg: &SecConfig{ServerName: "example.com"}}
	cs.WithListener(lst)
	if err := cs.Initialize(ServerSide, []byte{0xAA}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(nil, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}
	if tlsFake.inits != 0 {
		t.Fatalf("TLS initialized before the listener saw the ClientHello")
	}

	ch := buildClientHello(t, "example.com", []string{"h3"})
	if err := cs.ProcessFrame(EncryptLevelInitial, 0, ch); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if lst.info == nil {
		t.Fatalf("listener was never consulted")
	}
	if lst.info.ServerName != "example.com" {
		t.Fatalf("listener saw ServerName %q, want example.com", lst.info.ServerName)
	}
	if len(lst.info.ALPN) != 1 || lst.info.ALPN[0] != "h3" {
		t.Fatalf("listener saw ALPN %v, want [h3]", lst.info.ALPN)
	}
	if tlsFake.inits != 1 {
		t.Fatalf("TLS Initialize called %d times after accept, want 1", tlsFake.inits)
	}
	if !bytes.Equal(tlsFake.lastData, ch) {
		t.Fatalf("TLS was not fed the full ClientHello")
	}
}

func TestServerListenerRejectApp(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	cs.WithListener(&fakeListener{result: RejectApp})
	if err := cs.Initialize(ServerSide, []byte{0xAA}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(nil, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	err := cs.ProcessFrame(EncryptLevelInitial, 0, buildClientHello(t, "x", []string{"smtp"}))
	lte, ok := err.(localTransportError)
	if !ok || lte.code != errNoApplicationProtocol {
		t.Fatalf("err = %v, want localTransportError{CRYPTO_NO_APPLICATION_PROTOCOL}", err)
	}
	if tlsFake.inits != 0 {
		t.Fatalf("TLS initialized despite rejection")
	}
}

func TestServerListenerRejectBusy(t *testing.T) {
	cs, _, _, _ := newTestCryptoStream()
	cs.WithListener(&fakeListener{result: RejectBusy})
	if err := cs.Initialize(ServerSide, []byte{0xAA}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(nil, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	err := cs.ProcessFrame(EncryptLevelInitial, 0, buildClientHello(t, "x", nil))
	lte, ok := err.(localTransportError)
	if !ok || lte.code != errConnectionRefused {
		t.Fatalf("err = %v, want localTransportError{CONNECTION_REFUSED}", err)
	}
}

// TestProcessFrameOutOfOrderDoesNotPump verifies a frame that leaves a gap
// at the front of the receive buffer is buffered without a TLS call, and
// the pump runs with the full contiguous run once the gap fills.
func TestProcessFrameOutOfOrderDoesNotPump(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	if err := cs.Initialize(ServerSide, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(&SecConfig{}, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	msg := make([]byte, 10)
	msg[0] = tlsMsgClientHello
	msg[3] = 6 // body length
	if err := cs.ProcessFrame(EncryptLevelInitial, 4, msg[4:]); err != nil {
		t.Fatalf("ProcessFrame(tail): %v", err)
	}
	if tlsFake.calls != 0 {
		t.Fatalf("TLS pumped with a gap at the front of the receive buffer")
	}

	if err := cs.ProcessFrame(EncryptLevelInitial, 0, msg[:4]); err != nil {
		t.Fatalf("ProcessFrame(head): %v", err)
	}
	if tlsFake.calls != 1 {
		t.Fatalf("TLS calls = %d after gap filled, want 1", tlsFake.calls)
	}
	if !bytes.Equal(tlsFake.lastData, msg) {
		t.Fatalf("TLS fed %x, want the reassembled message %x", tlsFake.lastData, msg)
	}
	if cs.recvTotalConsumed != 10 {
		t.Fatalf("recvTotalConsumed = %d, want 10", cs.recvTotalConsumed)
	}
}

// TestProcessFramePartialMessageNotConsumed verifies the pump feeds TLS
// whole handshake messages only: an incomplete trailing message waits.
func TestProcessFramePartialMessageNotConsumed(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	if err := cs.Initialize(ServerSide, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(&SecConfig{}, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	msg := make([]byte, 12)
	msg[0] = tlsMsgClientHello
	msg[3] = 8
	if err := cs.ProcessFrame(EncryptLevelInitial, 0, msg[:7]); err != nil {
		t.Fatal(err)
	}
	if tlsFake.calls != 0 {
		t.Fatalf("TLS pumped with an incomplete handshake message")
	}
	if err := cs.ProcessFrame(EncryptLevelInitial, 7, msg[7:]); err != nil {
		t.Fatal(err)
	}
	if tlsFake.calls != 1 {
		t.Fatalf("TLS calls = %d, want 1", tlsFake.calls)
	}
	if cs.recvTotalConsumed != 12 {
		t.Fatalf("recvTotalConsumed = %d, want 12", cs.recvTotalConsumed)
	}
}

// TestSingleFlightPendingThenComplete: a TLS call
// that returns PENDING blocks further calls; data arriving meanwhile sets
// tlsDataPending, and the completion re-pumps exactly once.
func TestSingleFlightPendingThenComplete(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	if err := cs.Initialize(ServerSide, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(&SecConfig{}, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	msgA := []byte{tlsMsgClientHello, 0, 0, 2, 0xAA, 0xBB}
	msgB := []byte{tlsMsgClientHello, 0, 0, 1, 0xCC}
	tlsFake.script = []fakeTLSResult{{flags: TLSFlagPending}}

	if err := cs.ProcessFrame(EncryptLevelInitial, 0, msgA); err != nil {
		t.Fatal(err)
	}
	if !cs.tlsCallPending {
		t.Fatalf("tlsCallPending = false after PENDING result")
	}
	if err := cs.ProcessFrame(EncryptLevelInitial, int64(len(msgA)), msgB); err != nil {
		t.Fatal(err)
	}
	if tlsFake.calls != 1 {
		t.Fatalf("TLS calls = %d while a call is in flight, want 1", tlsFake.calls)
	}
	if !cs.tlsDataPending {
		t.Fatalf("tlsDataPending = false after data arrived mid-call")
	}

	if err := cs.ProcessTLSComplete(); err != nil {
		t.Fatalf("ProcessTLSComplete: %v", err)
	}
	if cs.tlsCallPending {
		t.Fatalf("tlsCallPending still set after completion")
	}
	if tlsFake.calls != 2 {
		t.Fatalf("TLS calls = %d after completion re-pump, want 2", tlsFake.calls)
	}
	if !bytes.Equal(tlsFake.lastData, msgB) {
		t.Fatalf("re-pump fed %x, want %x", tlsFake.lastData, msgB)
	}
	if want := int64(len(msgA) + len(msgB)); cs.recvTotalConsumed != want {
		t.Fatalf("recvTotalConsumed = %d, want %d", cs.recvTotalConsumed, want)
	}
}

// TestProcessFrameAfterLocalClose: once the
// connection has closed locally, further frames fail with InvalidState so
// the caller stops processing the packet.
func TestProcessFrameAfterLocalClose(t *testing.T) {
	cs, _, _, _ := newTestCryptoStream()
	if err := cs.Initialize(ServerSide, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	cs.OnConnectionClosed()
	err := cs.ProcessFrame(EncryptLevelInitial, 0, []byte{1, 0, 0, 0})
	if _, ok := err.(errInvalidState); !ok {
		t.Fatalf("err = %v (%T), want errInvalidState", err, err)
	}
}

// TestReadKeyUpdateWithLeftoverData: unread bytes
// at the previous encryption level are a protocol violation.
func TestReadKeyUpdateWithLeftoverData(t *testing.T) {
	cs, tlsFake, _, _ := newTestCryptoStream()
	if err := cs.Initialize(ServerSide, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := cs.InitializeTls(&SecConfig{}, &TransportParameters{}); err != nil {
		t.Fatal(err)
	}

	// One complete message TLS consumes, followed by a partial one that
	// stays buffered; the read-key switch then observes leftover bytes.
	tlsFake.script = []fakeTLSResult{{
		flags: TLSFlagReadKeyUpdated,
		state: TLSState{ReadLevel: EncryptLevelHandshake, ReadSecret: Secret("hs-read")},
	}}
	data := append([]byte{tlsMsgClientHello, 0, 0, 1, 0xAA}, 0x01, 0x00)
	err := cs.ProcessFrame(EncryptLevelInitial, 0, data)
	lte, ok := err.(localTransportError)
	if !ok || lte.code != errProtocolViolation {
		t.Fatalf("err = %v, want localTransportError{PROTOCOL_VIOLATION}", err)
	}
}
