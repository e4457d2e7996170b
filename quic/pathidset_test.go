package quic

import "testing"

// TestMultipathContiguousAllocation: a peer
// referencing path id 2 before id 1 ever appeared causes ids 0 and 1 to be
// allocated along with it, and only path id 0 gets handshake-level packet
// spaces.
func TestMultipathContiguousAllocation(t *testing.T) {
	s, sch := newTestPathIdSet()
	s.InitializeTransportParameters(5, true, 3)

	p, err := s.GetPathIDForPeer(2, true, newTestPath)
	if err != nil {
		t.Fatalf("GetPathIDForPeer(2): %v", err)
	}
	defer s.ReleasePathID(p)

	if got := s.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3 (ids 0,1,2 all allocated)", got)
	}
	if p.ID() != 2 {
		t.Fatalf("returned path id = %d, want 2", p.ID())
	}

	p0, _ := s.LookupPathID(0)
	if p0 == nil {
		t.Fatalf("path id 0 was not allocated")
	}
	defer s.ReleasePathID(p0)
	if p0.packets[EncryptLevelInitial] == nil || p0.packets[EncryptLevelHandshake] == nil {
		t.Fatalf("path id 0 missing INITIAL/HANDSHAKE packet spaces")
	}
	if p.packets[EncryptLevelInitial] != nil || p.packets[EncryptLevelHandshake] != nil {
		t.Fatalf("path id 2 should not have handshake-level packet spaces")
	}
	if p.packets[EncryptLevel1RTT] == nil {
		t.Fatalf("path id 2 missing 1-RTT packet space")
	}
	_ = sch
}

// TestPeerPathIDOverrun: a peer referencing a path
// id beyond maxPathID is a PROTOCOL_VIOLATION, not a silent allocation.
func TestPeerPathIDOverrun(t *testing.T) {
	s, _ := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 0) // maxPathID = activePathIDLimit-1 = 3

	_, err := s.GetPathIDForPeer(activePathIDLimit, true, newTestPath)
	if err == nil {
		t.Fatalf("GetPathIDForPeer(activePathIDLimit) succeeded, want PROTOCOL_VIOLATION")
	}
	lte, ok := err.(localTransportError)
	if !ok || lte.code != errProtocolViolation {
		t.Fatalf("err = %v, want localTransportError{errProtocolViolation}", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len() = %d after rejected allocation, want 0", got)
	}
}

// TestNewLocalPathIDMonotonic: locally allocated path ids are strictly
// increasing and start at 0.
func TestNewLocalPathIDMonotonic(t *testing.T) {
	s, _ := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 0)

	var ids []uint32
	for i := 0; i < 3; i++ {
		path, loss := newTestPath(uint32(i))
		p, err := s.NewLocalPathID(path, loss)
		if err != nil {
			t.Fatalf("NewLocalPathID #%d: %v", i, err)
		}
		ids = append(ids, p.ID())
	}
	for i, id := range ids {
		if id != uint32(i) {
			t.Fatalf("ids = %v, want [0 1 2]", ids)
		}
	}
}

// TestNewLocalPathIDLimitReached verifies a local allocation beyond the
// peer-advertised maximum raises PATHS_BLOCKED and fails non-fatally.
func TestNewLocalPathIDLimitReached(t *testing.T) {
	s, sch := newTestPathIdSet()
	s.InitializeTransportParameters(0, true, 0) // peer allows only id 0

	path, loss := newTestPath(0)
	if _, err := s.NewLocalPathID(path, loss); err != nil {
		t.Fatalf("first NewLocalPathID: %v", err)
	}
	_, err := s.NewLocalPathID(path, loss)
	if _, ok := err.(errPathIDLimitReached); !ok {
		t.Fatalf("err = %v (%T), want errPathIDLimitReached", err, err)
	}
	if !sch.has(SendFlagPathsBlocked) {
		t.Fatalf("PATHS_BLOCKED send flag not raised")
	}
}

// TestTryFreePathIDBumpsCap: freeing a path id that has both been
// abandoned and closed removes it and raises the local cap, asking for
// MAX_PATH_ID to be sent.
func TestTryFreePathIDBumpsCap(t *testing.T) {
	s, sch := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 0)

	path, loss := newTestPath(0)
	p, err := s.NewLocalPathID(path, loss)
	if err != nil {
		t.Fatal(err)
	}

	s.TryFreePathID(p) // not yet abandoned/closed: must be a no-op
	if s.Len() != 1 {
		t.Fatalf("Len() = %d after premature TryFreePathID, want 1", s.Len())
	}

	p.Abandon()
	p.Close()
	beforeMax := s.maxPathID
	s.TryFreePathID(p)
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after TryFreePathID, want 0", s.Len())
	}
	if s.maxPathID <= beforeMax {
		t.Fatalf("maxPathID = %d, want > %d (cap bumped)", s.maxPathID, beforeMax)
	}
	if !sch.has(SendFlagMaxPathID) {
		t.Fatalf("MAX_PATH_ID send flag not raised")
	}
	fp := path.(*fakePath)
	if fp.removed != 1 {
		t.Fatalf("RemoveConnectionIDs called %d times, want 1", fp.removed)
	}
}

// TestGenerateNewSourceCIDs verifies the completion-time CID rotation
// reaches every live path exactly once.
func TestGenerateNewSourceCIDs(t *testing.T) {
	s, _ := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 0)

	var paths []*fakePath
	for i := 0; i < 3; i++ {
		p := &fakePath{}
		paths = append(paths, p)
		if _, err := s.NewLocalPathID(p, &fakeLoss{}); err != nil {
			t.Fatalf("NewLocalPathID #%d: %v", i, err)
		}
	}

	s.GenerateNewSourceCIDs()
	for i, p := range paths {
		if p.generated != 1 {
			t.Fatalf("path %d: GenerateNewSourceCIDs called %d times, want 1", i, p.generated)
		}
	}
}

// TestProcessAckFrameRejectsFuturePacketNumber verifies PathIdSet rejects an
// ACK that claims a packet number this endpoint never sent.
func TestProcessAckFrameRejectsFuturePacketNumber(t *testing.T) {
	s, _ := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 0)

	var rs RangeSet[PacketNumber]
	rs.add(0, 100)
	meta := PacketMetadata{Level: EncryptLevel1RTT, LargestSent: 50}
	err := s.ProcessAckFrame(meta, 0, rs, nil, 0, newTestPath)
	if err == nil {
		t.Fatalf("ProcessAckFrame succeeded, want PROTOCOL_VIOLATION (ack references pn 99 > largest sent 50)")
	}
	lte, ok := err.(localTransportError)
	if !ok || lte.code != errProtocolViolation {
		t.Fatalf("err = %v, want localTransportError{errProtocolViolation}", err)
	}
}

// TestProcessAckFrameForwardsToLossDetection is the accepting counterpart:
// a well-formed ack is forwarded to the path's own LossDetection.
func TestProcessAckFrameForwardsToLossDetection(t *testing.T) {
	s, _ := newTestPathIdSet()
	s.InitializeTransportParameters(10, true, 2) // ack_delay_exponent = 2

	var rs RangeSet[PacketNumber]
	rs.add(0, 10)
	meta := PacketMetadata{Level: EncryptLevel1RTT, LargestSent: 20}
	if err := s.ProcessAckFrame(meta, 0, rs, nil, 1, newTestPath); err != nil {
		t.Fatalf("ProcessAckFrame: %v", err)
	}

	p, _ := s.LookupPathID(0)
	defer s.ReleasePathID(p)
	loss := p.lossDetection.(*fakeLoss)
	if len(loss.acked) != 1 {
		t.Fatalf("loss.acked = %v, want one call", loss.acked)
	}
	if loss.acked[0].ackDelay != 4 { // 1 << 2
		t.Fatalf("ackDelay = %v, want 4 (scaled by ack_delay_exponent)", loss.acked[0].ackDelay)
	}
}
