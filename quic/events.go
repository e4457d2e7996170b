package quic

import (
	events "github.com/docker/go-events"
)

// publishEvent writes a ConnEvent to the connection's event sink. A nil
// sink silently drops the event: most unit tests for CryptoStream
// and PathIdSet exercise state transitions without wiring a real
// connection, and the core has no fallback delivery mechanism of its own.
func publishEvent(sink events.Sink, ev ConnEvent) {
	if sink == nil {
		return
	}
	// Sink.Write can block or return an error if the sink has been
	// closed out from under an in-flight handshake; neither is
	// actionable from inside the crypto core.
	_ = sink.Write(ev)
}
