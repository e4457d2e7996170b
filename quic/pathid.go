package quic

import "sync/atomic"

// PathId is one path's protocol state: its id, per-path loss detection
// and packet-number spaces, and the connection-id binding. A PathId is
// shared between PathIdSet's own membership and zero or more transient
// lookups; see the two refcounts below. Set membership and an in-flight
// lookup are different lifetimes: collapsing them into one count would
// let a lookup racing a removal outlive the set's own reference without
// being noticed.
type PathId struct {
	id uint32

	inUse         bool
	abandoned     bool
	closed        bool
	inPathIDTable bool

	path          Path
	lossDetection LossDetection
	packets       [encryptLevelCount]PacketNumberSpace

	// refSet is held by PathIdSet membership: exactly 1 while p sits in
	// storage, reset to 0 by TryFreePathID as part of removing it.
	// refLookup counts concurrent LookupPathID/Snapshot callers; the
	// object is only eligible for release once refLookup is zero and
	// abandoned && closed hold; refSet itself isn't a release
	// precondition, since it is always 1 up to the moment TryFreePathID
	// clears it.
	refSet    int32
	refLookup int32

	cfg *Config
}

func newPathID(id uint32, path Path, loss LossDetection, cfg *Config) *PathId {
	return &PathId{id: id, path: path, lossDetection: loss, cfg: cfg}
}

// ID returns the path id.
func (p *PathId) ID() uint32 { return p.id }

// InUse reports whether the path id has completed initialization.
func (p *PathId) InUse() bool { return p.inUse }

// Abandon marks the path id abandoned by the local endpoint, one of the
// two conditions TryFreePathID requires before releasing it.
func (p *PathId) Abandon() { p.abandoned = true }

// Close marks the path id closed (its peer has acknowledged abandonment,
// or the connection is tearing down), the other condition TryFreePathID
// requires.
func (p *PathId) Close() { p.closed = true }

// Abandoned reports whether Abandon has been called.
func (p *PathId) Abandoned() bool { return p.abandoned }

// Closed reports whether Close has been called.
func (p *PathId) Closed() bool { return p.closed }

// initializeSpaces allocates the packet-number-space collaborators this
// path id needs. Every path id gets a 1-RTT space; path id 0 additionally
// gets INITIAL and HANDSHAKE, matching the handshake taking place on the
// connection's first path.
func (p *PathId) initializeSpaces(includeHandshakeLevels bool, newSpace func() PacketNumberSpace) error {
	levels := []EncryptLevel{EncryptLevel1RTT}
	if includeHandshakeLevels {
		levels = []EncryptLevel{EncryptLevelInitial, EncryptLevelHandshake, EncryptLevel1RTT}
	}
	for _, l := range levels {
		sp := newSpace()
		if err := sp.Initialize(); err != nil {
			return errOutOfMemory
		}
		p.packets[l] = sp
	}
	p.inUse = true
	return nil
}

func (p *PathId) addRefSet()    { atomic.AddInt32(&p.refSet, 1) }
func (p *PathId) addRefLookup() { atomic.AddInt32(&p.refLookup, 1) }

// releaseLookup drops a lookup reference taken by LookupPathID or
// Snapshot. It never frees the PathId itself: freeing additionally
// requires the set reference to be gone and abandoned&&closed to hold,
// which only TryFreePathID (holding the set's exclusive lock) checks.
func (p *PathId) releaseLookup() {
	if atomic.AddInt32(&p.refLookup, -1) < 0 {
		panic("quic: BUG: PathId lookup refcount underflow")
	}
}

// releasable reports whether no lookup still holds the path id and it
// has been abandoned and closed. refSet is not part of the check: it is
// always 1 while p is a member of the set, and
// TryFreePathID's own removal is what retires it.
func (p *PathId) releasable() bool {
	return p.abandoned && p.closed && atomic.LoadInt32(&p.refLookup) == 0
}

// clearSetRef retires the set-membership reference as part of being removed
// from storage by TryFreePathID.
func (p *PathId) clearSetRef() { atomic.StoreInt32(&p.refSet, 0) }

// uninitializeSpaces tears down every packet-number space this path id
// owns, as part of TryFreePathID's cleanup.
func (p *PathId) uninitializeSpaces() {
	for i, sp := range p.packets {
		if sp != nil {
			sp.Uninitialize()
			p.packets[i] = nil
		}
	}
}
