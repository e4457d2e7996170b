package quicdump

import (
	"fmt"
	"time"

	"github.com/distribution/quictransport/quic"
	"github.com/sirupsen/logrus"
)

// nullLossDetection and nullSendScheduler are the no-op collaborator
// implementations quicdump wires CryptoStream to; the tool only cares about
// CryptoStream's own send/receive/recovery bookkeeping, not about what a
// real connection would do with the frames it'd emit.
type nullLossDetection struct {
	log *logrus.Entry
}

func (l *nullLossDetection) DiscardPackets(level quic.EncryptLevel) {
	l.log.WithField("level", level).Debug("loss: discard packets")
}

func (l *nullLossDetection) ProcessAckBlocks(ranges quic.RangeSet[quic.PacketNumber], ecn *quic.ECNCounts, ackDelay time.Duration) error {
	return nil
}

func (l *nullLossDetection) OnZeroRTTRejected() {}

type nullSendScheduler struct {
	log *logrus.Entry
}

func (s *nullSendScheduler) SetSendFlag(flags quic.SendFlags) {
	s.log.WithField("flags", flags).Debug("send flag raised")
}

func (s *nullSendScheduler) ClearSendFlag(flags quic.SendFlags) {}

func (s *nullSendScheduler) QueueFlush(reason string) {}

// recordingBuilder is a quic.FrameBuilder that simply captures every CRYPTO
// frame CryptoStream.WriteFrames hands it, for quicdump to print.
type recordingBuilder struct {
	level     quic.EncryptLevel
	available int64
	frames    []recordedFrame
}

type recordedFrame struct {
	LevelOffset, Length int64
	Data                []byte
}

func (b *recordingBuilder) Level() quic.EncryptLevel { return b.level }
func (b *recordingBuilder) AvailableSize() int64     { return b.available }
func (b *recordingBuilder) AppendCryptoFrame(levelOffset, length int64, data []byte) {
	b.frames = append(b.frames, recordedFrame{levelOffset, length, append([]byte(nil), data...)})
	b.available -= length
}

// Replayer drives one CryptoStream through a Trace's operations, logging
// each step and the resulting state.
type Replayer struct {
	cs  *quic.CryptoStream
	log *logrus.Entry
}

// NewReplayer constructs a CryptoStream wired to quicdump's no-op
// collaborators and initializes it for side/handshakeCID.
func NewReplayer(log *logrus.Entry, side quic.Side, handshakeCID []byte) (*Replayer, error) {
	cfg := &quic.Config{Logger: log}
	ks := &quic.KeySchedule{}
	cs := quic.NewCryptoStream(cfg, nopTLS{}, &nullLossDetection{log: log}, &nullSendScheduler{log: log}, ks)
	if err := cs.Initialize(side, handshakeCID); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := cs.InitializeTls(&quic.SecConfig{}, &quic.TransportParameters{}); err != nil {
		return nil, fmt.Errorf("initialize tls: %w", err)
	}
	return &Replayer{cs: cs, log: log}, nil
}

// nopTLS satisfies quic.TLSHandshake for quicdump's purposes: scripted
// traces drive CryptoStream's wire-level bookkeeping directly via
// DebugWrite/ProcessFrame rather than through a real handshake.
type nopTLS struct{}

func (nopTLS) Initialize(cfg *quic.SecConfig, tp *quic.TransportParameters, state *quic.TLSState) error {
	return nil
}
func (nopTLS) ProcessData(level quic.EncryptLevel, data []byte, state *quic.TLSState) (quic.TLSResultFlags, error) {
	return 0, nil
}
func (nopTLS) ProcessDataComplete(state *quic.TLSState) (quic.TLSResultFlags, error) { return 0, nil }
func (nopTLS) Reset()                                                               {}

func levelByName(name string) (quic.EncryptLevel, error) {
	switch name {
	case "", "initial":
		return quic.EncryptLevelInitial, nil
	case "handshake":
		return quic.EncryptLevelHandshake, nil
	case "0-rtt", "0rtt":
		return quic.EncryptLevel0RTT, nil
	case "1-rtt", "1rtt":
		return quic.EncryptLevel1RTT, nil
	default:
		return 0, fmt.Errorf("unknown encryption level %q", name)
	}
}

// Run executes every operation in tr.Operations in order, logging state
// after each one and returning the first error encountered.
func (r *Replayer) Run(tr *Trace) error {
	for i, op := range tr.Operations {
		if err := r.runOp(op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Kind, err)
		}
		r.logState(op)
	}
	return nil
}

func (r *Replayer) runOp(op Op) error {
	level, err := levelByName(op.Level)
	if err != nil {
		return err
	}
	switch op.Kind {
	case "write":
		data, err := decodeHex(op.Data)
		if err != nil {
			return err
		}
		return r.cs.DebugWrite(level, data)
	case "ack":
		return r.cs.OnAck(op.Offset, op.Length)
	case "loss":
		r.cs.OnLoss(op.Start, op.End)
	case "discard":
		r.cs.DiscardKeys(level)
	case "recv":
		data, err := decodeHex(op.Data)
		if err != nil {
			return err
		}
		return r.cs.ProcessFrame(level, op.Offset, data)
	case "confirm":
		r.cs.OnHandshakeConfirmed()
	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}
	return nil
}

func (r *Replayer) logState(op Op) {
	r.cs.Validate()
	r.log.WithFields(logrus.Fields{
		"op":                op.Kind,
		"unacked_offset":    r.cs.UnackedOffset(),
		"next_send":         r.cs.NextSendOffset(),
		"max_sent":          r.cs.MaxSentLength(),
		"buffer_len":        r.cs.BufferLength(),
		"sack_ranges":       r.cs.SparseAckRangeCount(),
		"in_recovery":       r.cs.InRecovery(),
		"connected":         r.cs.Connected(),
		"handshake_timeout": r.cs.HandshakeTimeout(),
	}).Info("state")
}

// Drain builds as many CRYPTO frames as fit in an availableSize-byte budget
// at level and returns what was emitted, for inspecting what a replay would
// put on the wire.
func (r *Replayer) Drain(level quic.EncryptLevel, availableSize int64) []recordedFrame {
	b := &recordingBuilder{level: level, available: availableSize}
	r.cs.WriteFrames(b)
	return b.frames
}
