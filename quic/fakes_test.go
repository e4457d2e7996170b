package quic

import "time"

// fakeScheduler is the SendScheduler fake shared by the package's tests.
type fakeScheduler struct {
	flags      SendFlags
	flushCalls int
}

func (s *fakeScheduler) SetSendFlag(f SendFlags)   { s.flags |= f }
func (s *fakeScheduler) ClearSendFlag(f SendFlags) { s.flags &^= f }
func (s *fakeScheduler) QueueFlush(reason string)  { s.flushCalls++ }
func (s *fakeScheduler) has(f SendFlags) bool      { return s.flags&f != 0 }

// ackCall records one ProcessAckBlocks invocation on fakeLoss.
type ackCall struct {
	ranges   RangeSet[PacketNumber]
	ecn      *ECNCounts
	ackDelay time.Duration
}

// fakeLoss is the LossDetection fake shared by the package's tests.
type fakeLoss struct {
	discarded       []EncryptLevel
	acked           []ackCall
	zeroRTTRejected bool
	ackErr          error
}

func (l *fakeLoss) DiscardPackets(level EncryptLevel) { l.discarded = append(l.discarded, level) }

func (l *fakeLoss) ProcessAckBlocks(ranges RangeSet[PacketNumber], ecn *ECNCounts, ackDelay time.Duration) error {
	l.acked = append(l.acked, ackCall{ranges, ecn, ackDelay})
	return l.ackErr
}

func (l *fakeLoss) OnZeroRTTRejected() { l.zeroRTTRejected = true }

// fakeTLS is a scriptable TLSHandshake fake: each call to ProcessData pops
// the next programmed result off script, letting tests drive CryptoStream
// through arbitrary flag sequences without a real TLS stack.
type fakeTLS struct {
	script        []fakeTLSResult
	complete      []fakeTLSResult
	calls         int
	completeCalls int
	reset         int
	inits         int
	lastData      []byte
}

type fakeTLSResult struct {
	flags TLSResultFlags
	state TLSState
	err   error
}

func (t *fakeTLS) Initialize(cfg *SecConfig, localTP *TransportParameters, state *TLSState) error {
	t.inits++
	return nil
}

func (t *fakeTLS) ProcessData(level EncryptLevel, data []byte, state *TLSState) (TLSResultFlags, error) {
	t.lastData = append([]byte(nil), data...)
	if t.calls >= len(t.script) {
		t.calls++
		return 0, nil
	}
	r := t.script[t.calls]
	t.calls++
	*state = r.state
	return r.flags, r.err
}

func (t *fakeTLS) ProcessDataComplete(state *TLSState) (TLSResultFlags, error) {
	if t.completeCalls >= len(t.complete) {
		t.completeCalls++
		return 0, nil
	}
	r := t.complete[t.completeCalls]
	t.completeCalls++
	*state = r.state
	return r.flags, r.err
}

func (t *fakeTLS) Reset() { t.calls = 0; t.reset++ }

// fakeBuilder is the FrameBuilder fake shared by the package's tests.
type fakeBuilder struct {
	level  EncryptLevel
	avail  int64
	frames []fakeFrame
}

type fakeFrame struct {
	levelOffset, length int64
	data                []byte
}

func (b *fakeBuilder) Level() EncryptLevel    { return b.level }
func (b *fakeBuilder) AvailableSize() int64   { return b.avail }
func (b *fakeBuilder) AppendCryptoFrame(levelOffset, length int64, data []byte) {
	b.frames = append(b.frames, fakeFrame{levelOffset, length, append([]byte(nil), data...)})
	b.avail -= length
}

// newTestCryptoStream builds a CryptoStream wired to fakes, ready for
// Initialize.
func newTestCryptoStream() (*CryptoStream, *fakeTLS, *fakeLoss, *fakeScheduler) {
	tls := &fakeTLS{}
	loss := &fakeLoss{}
	sch := &fakeScheduler{}
	cs := NewCryptoStream(&Config{}, tls, loss, sch, &KeySchedule{})
	return cs, tls, loss, sch
}

// fakeListener records the NewConnectionInfo it was consulted with and
// answers with a scripted disposition.
type fakeListener struct {
	result AcceptResult
	cfg    *SecConfig
	info   *NewConnectionInfo
}

func (l *fakeListener) AcceptConnection(info *NewConnectionInfo) (AcceptResult, *SecConfig) {
	l.info = info
	return l.result, l.cfg
}

// fakePath / fakeLossFactory support PathIdSet tests.
type fakePath struct {
	removed   int
	generated int
}

func (p *fakePath) GenerateNewSourceCIDs() { p.generated++ }
func (p *fakePath) RemoveConnectionIDs()   { p.removed++ }

// fakeCIDIssuer is the CIDIssuer fake for completion tests.
type fakeCIDIssuer struct{ calls int }

func (c *fakeCIDIssuer) GenerateNewSourceCIDs() { c.calls++ }

type fakeSpace struct {
	initErr  error
	inited   bool
	torndown bool
}

func (s *fakeSpace) Initialize() error { s.inited = true; return s.initErr }
func (s *fakeSpace) Uninitialize()     { s.torndown = true }

func newTestPathIdSet() (*PathIdSet, *fakeScheduler) {
	sch := &fakeScheduler{}
	s := NewPathIdSet(&Config{}, sch, func() PacketNumberSpace { return &fakeSpace{} })
	return s, sch
}

func newTestPath(id uint32) (Path, LossDetection) {
	return &fakePath{}, &fakeLoss{}
}
