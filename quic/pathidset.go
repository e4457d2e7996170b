package quic

import (
	"sync"
	"time"
)

// activePathIDLimit bounds how many path ids may be concurrently active
// locally once multipath is negotiated. It is the source of both
// maxPathID's and maxCurrentPathIDCount's initial values in
// InitializeTransportParameters.
const activePathIDLimit = 4

// pathIDStorage tags the set's two storage shapes: the common
// single-path case avoids a map entirely, and promotion from Single to
// Many on the second insert is one-way.
type pathIDStorage int8

const (
	pathIDStorageEmpty pathIDStorage = iota
	pathIDStorageSingle
	pathIDStorageMany
)

// PathIdSet is the per-connection container of PathId state. It
// is consulted from both the connection's worker and datapath ingress (CID
// lookup, iteration snapshots), so unlike CryptoStream it holds its own
// reader/writer lock rather than relying on single-worker serialization.
type PathIdSet struct {
	mu sync.RWMutex

	storage pathIDStorage
	single  *PathId
	many    map[uint32]*PathId

	maxPathID             uint32
	peerMaxPathID         uint32
	currentPathIDCount    uint32
	maxCurrentPathIDCount uint32
	totalPathIDCount      uint32
	multipathNegotiated   bool
	ackDelayExponent      uint8

	cfg      *Config
	sch      SendScheduler
	newSpace func() PacketNumberSpace
}

// NewPathIdSet constructs an empty PathIdSet. newSpace constructs a fresh
// PacketNumberSpace collaborator each time a path id needs one; the core
// never implements packet-number spaces itself.
func NewPathIdSet(cfg *Config, sch SendScheduler, newSpace func() PacketNumberSpace) *PathIdSet {
	return &PathIdSet{
		cfg:                   cfg,
		sch:                   sch,
		newSpace:              newSpace,
		maxCurrentPathIDCount: 1,
	}
}

// InitializeTransportParameters applies the peer's MaxPathID transport
// parameter. A peer that omits MaxPathID disables multipath
// entirely: only path id 0 may ever exist.
func (s *PathIdSet) InitializeTransportParameters(peerAdvertisedMaxPathID uint32, peerAdvertisedMultipath bool, ackDelayExponent uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackDelayExponent = ackDelayExponent
	if !peerAdvertisedMultipath {
		s.maxPathID = 0
		s.peerMaxPathID = 0
		s.maxCurrentPathIDCount = 1
		return
	}
	s.multipathNegotiated = true
	s.maxPathID = activePathIDLimit - 1
	s.peerMaxPathID = peerAdvertisedMaxPathID
	s.maxCurrentPathIDCount = activePathIDLimit
}

// InsertPathID adds p to the set, promoting from inline to hash storage
// on the second element.
func (s *PathIdSet) InsertPathID(p *PathId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(p)
}

func (s *PathIdSet) insertLocked(p *PathId) {
	switch s.storage {
	case pathIDStorageEmpty:
		s.single = p
		s.storage = pathIDStorageSingle
	case pathIDStorageSingle:
		s.many = make(map[uint32]*PathId, 4)
		s.many[s.single.id] = s.single
		s.many[p.id] = p
		s.single = nil
		s.storage = pathIDStorageMany
	case pathIDStorageMany:
		s.many[p.id] = p
	}
	p.inPathIDTable = true
	p.addRefSet()
	s.currentPathIDCount++
	if p.id >= s.totalPathIDCount {
		s.totalPathIDCount = p.id + 1
	}
	s.cfg.metrics().setLivePathIDs(int(s.currentPathIDCount))
}

// LookupPathID finds a path id under the shared lock, returning it with a
// lookup reference (REF_LOOKUP) the caller must release with
// ReleasePathID.
func (s *PathIdSet) LookupPathID(id uint32) (*PathId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.lookupLocked(id)
	if p == nil {
		return nil, false
	}
	p.addRefLookup()
	return p, true
}

func (s *PathIdSet) lookupLocked(id uint32) *PathId {
	switch s.storage {
	case pathIDStorageSingle:
		if s.single.id == id {
			return s.single
		}
	case pathIDStorageMany:
		return s.many[id]
	}
	return nil
}

// ReleasePathID drops a lookup reference obtained from LookupPathID,
// GetPathIDForLocal, GetPathIDForPeer, or Snapshot. It does not itself
// free the PathId; see TryFreePathID.
func (s *PathIdSet) ReleasePathID(p *PathId) {
	if p != nil {
		p.releaseLookup()
	}
}

// GetPathIDForLocal resolves a path id this endpoint wants
// to use itself. Returning (nil, nil) means the id was once valid but its
// path has since closed; that is not an error.
func (s *PathIdSet) GetPathIDForLocal(id uint32) (*PathId, error) {
	s.mu.RLock()
	peerMax, total := s.peerMaxPathID, s.totalPathIDCount
	s.mu.RUnlock()

	if id > peerMax {
		return nil, localTransportError{code: errInternal, reason: "local path id exceeds the peer-advertised maximum"}
	}
	if id < total {
		p, _ := s.LookupPathID(id)
		return p, nil
	}
	return nil, localTransportError{code: errInternal, reason: "local code referenced an unopened path id"}
}

// GetPathIDForPeer resolves (and, if createIfMissing,
// contiguously allocate) a path id the peer referenced. Allocating id N
// allocates every id in [totalPathIDCount, N]; only id 0 gets INITIAL and
// HANDSHAKE packet-number spaces, since the handshake always runs on the
// connection's first path.
func (s *PathIdSet) GetPathIDForPeer(id uint32, createIfMissing bool, newPath func(id uint32) (Path, LossDetection)) (*PathId, error) {
	s.mu.RLock()
	maxID, total := s.maxPathID, s.totalPathIDCount
	s.mu.RUnlock()

	if id > maxID {
		return nil, localTransportError{code: errProtocolViolation, reason: "peer referenced a path id beyond maxPathID"}
	}
	if id < total {
		p, _ := s.LookupPathID(id)
		return p, nil
	}
	if !createIfMissing {
		return nil, localTransportError{code: errProtocolViolation, reason: "peer referenced an unopened path id"}
	}

	var created *PathId
	for next := total; next <= id; next++ {
		path, loss := newPath(next)
		p := newPathID(next, path, loss, s.cfg)
		if err := p.initializeSpaces(next == 0, s.newSpace); err != nil {
			return nil, localTransportError{code: errInternal, reason: "failed to allocate path id state"}
		}
		s.InsertPathID(p)
		if next == id {
			created = p
		}
	}
	created.addRefLookup()
	return created, nil
}

// NewLocalPathID allocates the next local path id, or reports
// report PathIDLimitReached (non-fatal: the caller should raise
// PATHS_BLOCKED, which this already does when multipath is negotiated,
// and retry once the peer raises its limit).
func (s *PathIdSet) NewLocalPathID(path Path, loss LossDetection) (*PathId, error) {
	s.mu.Lock()
	if s.totalPathIDCount > s.peerMaxPathID {
		if s.multipathNegotiated {
			s.sch.SetSendFlag(SendFlagPathsBlocked)
		}
		s.mu.Unlock()
		return nil, errPathIDLimitReached{}
	}
	id := s.totalPathIDCount
	s.mu.Unlock()

	p := newPathID(id, path, loss, s.cfg)
	if err := p.initializeSpaces(id == 0, s.newSpace); err != nil {
		return nil, errOutOfMemory
	}
	s.InsertPathID(p)
	return p, nil
}

// TryFreePathID frees p iff it is both abandoned and
// closed and no lookup reference still holds it. On success it removes p's
// CIDs from the binding, decrements currentPathIDCount, and if that now sits
// below maxCurrentPathIDCount, raises maxPathID by one and asks for
// MAX_PATH_ID to be sent. maxPathID is bumped, never overwritten
// unconditionally.
func (s *PathIdSet) TryFreePathID(p *PathId) {
	if !p.releasable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.releasable() {
		return // lost the race: a lookup landed between the check and the lock
	}
	switch s.storage {
	case pathIDStorageSingle:
		if s.single == p {
			s.single = nil
			s.storage = pathIDStorageEmpty
		}
	case pathIDStorageMany:
		delete(s.many, p.id)
	}
	p.inPathIDTable = false
	p.clearSetRef()
	p.uninitializeSpaces()
	if p.path != nil {
		p.path.RemoveConnectionIDs()
	}
	if s.currentPathIDCount > 0 {
		s.currentPathIDCount--
	}
	s.cfg.metrics().setLivePathIDs(int(s.currentPathIDCount))
	if s.currentPathIDCount < s.maxCurrentPathIDCount {
		s.maxPathID++
		s.sch.SetSendFlag(SendFlagMaxPathID)
	}
}

// ProcessAckFrame looks up (or peer-allocates) the path id
// an ACK frame named, validate it against the largest packet number this
// endpoint has sent at that level on that path, and forward the ack
// ranges to the path's loss-detection collaborator with ackDelay scaled
// by the peer's advertised ack_delay_exponent.
func (s *PathIdSet) ProcessAckFrame(meta PacketMetadata, pathID uint32, ranges RangeSet[PacketNumber], ecn *ECNCounts, ackDelay time.Duration, newPath func(id uint32) (Path, LossDetection)) error {
	p, err := s.GetPathIDForPeer(pathID, true, newPath)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	defer s.ReleasePathID(p)

	if !ranges.isEmpty() && ranges.max() > meta.LargestSent {
		return localTransportError{code: errProtocolViolation, reason: "ack references a packet number never sent"}
	}
	return p.lossDetection.ProcessAckBlocks(ranges, ecn, s.scaleAckDelay(ackDelay))
}

func (s *PathIdSet) scaleAckDelay(raw time.Duration) time.Duration {
	s.mu.RLock()
	exp := s.ackDelayExponent
	s.mu.RUnlock()
	return raw << exp
}

// Snapshot returns every live PathId, each holding a lookup reference
// the caller must release (directly, or via ForEach). A refcounted
// enumeration primitive used by loss-detection-timer and
// path-close-timer processing alike.
func (s *PathIdSet) Snapshot() []*PathId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.storage {
	case pathIDStorageSingle:
		s.single.addRefLookup()
		return []*PathId{s.single}
	case pathIDStorageMany:
		out := make([]*PathId, 0, len(s.many))
		for _, p := range s.many {
			p.addRefLookup()
			out = append(out, p)
		}
		return out
	default:
		return nil
	}
}

// ForEach calls f once per live PathId, releasing each one's lookup
// reference afterward.
func (s *PathIdSet) ForEach(f func(*PathId)) {
	for _, p := range s.Snapshot() {
		f(p)
		p.releaseLookup()
	}
}

// GenerateNewSourceCIDs asks every live path to mint fresh source
// connection ids, retiring the handshake-time ids. CryptoStream invokes
// it (through the CIDIssuer collaborator) when the handshake completes.
func (s *PathIdSet) GenerateNewSourceCIDs() {
	s.ForEach(func(p *PathId) {
		if p.path != nil {
			p.path.GenerateNewSourceCIDs()
		}
	})
}

// Len reports the number of path ids currently tracked, for tests and
// metrics.
func (s *PathIdSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.currentPathIDCount)
}
