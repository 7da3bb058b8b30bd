// Package macsched implements the MAC scheduler of spec §4.4: the state
// machine that drives CSMA/CA transmission, ack-wait/retry, receive
// filtering and deduplication, energy-scan, and indirect (polled)
// transmission to sleepy children. It is grounded on the teacher's
// mutex-guarded, zerolog-logging processor style
// (_examples/xzhiot-lorawan_server/internal/network/processor.go), with
// the radio/alarm/random collaborators abstracted behind
// internal/platform so the scheduler itself never touches real I/O.
package macsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openthread-go/meshcore/internal/config"
	"github.com/openthread-go/meshcore/internal/meshcore"
	"github.com/openthread-go/meshcore/internal/platform"
	"github.com/openthread-go/meshcore/pkg/linksecurity"
	"github.com/openthread-go/meshcore/pkg/macframe"
	"github.com/openthread-go/meshcore/pkg/sourcematch"
	"github.com/rs/zerolog"
)

// State is one of the scheduler's operating states (spec §4.4).
type State int

const (
	StateDisabled State = iota
	StateSleep
	StateIdle
	StateListen
	StateReceive
	StateTransmit
	StateAckWait
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateSleep:
		return "sleep"
	case StateIdle:
		return "idle"
	case StateListen:
		return "listen"
	case StateReceive:
		return "receive"
	case StateTransmit:
		return "transmit"
	case StateAckWait:
		return "ack-wait"
	default:
		return "unknown"
	}
}

// dataRequestCommandID is the IEEE 802.15.4 MAC command identifier for a
// Data Request, carried as the first payload octet of a MacCommand frame.
const dataRequestCommandID = 0x04

// unitBackoffSymbols is aUnitBackoffPeriod from IEEE 802.15.4: the symbol
// count of one CSMA/CA backoff unit.
const unitBackoffSymbols = 20

// maxIndirectQueueLen bounds the per-child FIFO of frames awaiting a poll.
const maxIndirectQueueLen = 8

// TxRequest describes one transmit submitted to the scheduler (spec §4.4).
type TxRequest struct {
	Frame           *macframe.Frame
	Channel         uint8
	MaxCsmaBackoffs uint8
	MaxFrameRetries uint8
	// SleepyChild marks that this node itself polls a parent; when an ack
	// carries frame-pending, the scheduler schedules a follow-up
	// data-request via OnFramePending.
	SleepyChild bool
}

// Scheduler is the MAC scheduler. One Scheduler serializes all radio use.
type Scheduler struct {
	mu sync.Mutex

	cfg    config.MacConfig
	radio  platform.Radio
	alarm  platform.Alarm
	random platform.Random

	security *linksecurity.Engine
	srcExt   meshcore.ExtAddress
	srcShort meshcore.ShortAddress
	panID    uint16

	sourceMatch *sourcematch.Table

	state State
	log   zerolog.Logger

	indirect map[meshcore.ShortAddress][]*macframe.Frame
	dups     map[dupKey]time.Time

	txEvents chan txEvent

	// OnReceive is invoked for every frame that passes filtering,
	// deduplication, and (if security-enabled) unprotection.
	OnReceive func(f *macframe.Frame)
	// OnFramePending is invoked when this node is a sleepy child and an
	// ack it received carried the frame-pending bit.
	OnFramePending func()
}

type dupKey struct {
	addr uint64
	seq  uint8
}

type txEvent struct {
	ack []byte
	err error
}

// New constructs a Scheduler in the Disabled state.
func New(cfg config.MacConfig, radio platform.Radio, alarm platform.Alarm, random platform.Random, security *linksecurity.Engine, srcExt meshcore.ExtAddress, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		radio:       radio,
		alarm:       alarm,
		random:      random,
		security:    security,
		srcExt:      srcExt,
		sourceMatch: sourcematch.New(16, 16),
		state:       StateDisabled,
		log:         log.With().Str("component", "macsched").Logger(),
		indirect:    make(map[meshcore.ShortAddress][]*macframe.Frame),
		dups:        make(map[dupKey]time.Time),
		txEvents:    make(chan txEvent, 1),
	}
	radio.SetCallbacks(s)
	return s
}

// Enable moves the scheduler from Disabled to Idle.
func (s *Scheduler) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.radio.Enable(); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// Disable moves the scheduler to Disabled, dropping any indirect queues.
func (s *Scheduler) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisabled
	s.indirect = make(map[meshcore.ShortAddress][]*macframe.Frame)
	return s.radio.Disable()
}

// SetAddressing configures the PAN id and short address used for receive
// filtering (spec §4.4 receive contract).
func (s *Scheduler) SetAddressing(panID uint16, short meshcore.ShortAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panID = panID
	s.srcShort = short
	s.sourceMatch.SetPanID(panID)
}

// SourceMatch exposes the source-match table for registration by the
// neighbor/child-management layer.
func (s *Scheduler) SourceMatch() *sourcematch.Table { return s.sourceMatch }

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transmit runs the full CSMA/CA + ack-wait + retry contract of spec §4.4
// for req and blocks until a final result is known. ctx cancellation
// aborts a transmit in progress with meshcore.ErrAbort.
func (s *Scheduler) Transmit(ctx context.Context, req *TxRequest) ([]byte, error) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateListen {
		s.mu.Unlock()
		return nil, fmt.Errorf("transmit requested in state %s: %w", s.state, meshcore.ErrBusy)
	}
	s.state = StateTransmit
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	buf := make([]byte, macframe.MaxPSDU)
	n, err := macframe.Serialize(req.Frame, buf)
	if err != nil {
		return nil, fmt.Errorf("serialize tx frame: %w", err)
	}
	frameBytes := buf[:n]

	retriesLeft := req.MaxFrameRetries
	for {
		ack, err := s.csmaAttemptLoop(ctx, frameBytes, req.Channel, req.MaxCsmaBackoffs, req.Frame.FC.AckRequest)
		if err != nil {
			return nil, err
		}
		if !req.Frame.FC.AckRequest {
			return nil, nil
		}
		if ack != nil {
			if framePending(ack) && req.SleepyChild && s.OnFramePending != nil {
				s.OnFramePending()
			}
			return ack, nil
		}
		// No ack: NoAck outcome. Retry preserves the sequence number.
		if retriesLeft == 0 {
			return nil, fmt.Errorf("no ack after retries exhausted: %w", meshcore.ErrNoAck)
		}
		retriesLeft--
		s.log.Debug().Uint8("seq", req.Frame.Seq).Uint8("retries_left", retriesLeft).Msg("retransmitting after ack timeout")
	}
}

// csmaAttemptLoop runs unslotted CSMA/CA: backoff exponent starts at
// min_be and grows by one after each failed attempt (doubling the backoff
// window) up to max_be, for up to
// maxCsmaBackoffs attempts. It returns the ack payload (nil if none
// requested or none received before timeout) or ChannelAccessFailure
// once attempts are exhausted.
func (s *Scheduler) csmaAttemptLoop(ctx context.Context, frame []byte, channel uint8, maxCsmaBackoffs uint8, ackRequested bool) ([]byte, error) {
	be := s.cfg.MinBackoffExponent

	for attempt := uint8(0); attempt < maxCsmaBackoffs; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transmit aborted: %w", meshcore.ErrAbort)
		}

		backoffUnits := uint32(0)
		if be > 0 {
			backoffUnits = s.random.Get() % (uint32(1) << be)
		}
		backoffDur := time.Duration(backoffUnits*unitBackoffSymbols) * time.Duration(s.cfg.SymbolPeriod)
		if backoffDur > 0 {
			s.waitAlarm(backoffDur)
		}

		if err := s.radio.Receive(channel); err != nil {
			return nil, fmt.Errorf("radio receive for cca: %w", err)
		}
		if ackRequested {
			s.mu.Lock()
			s.state = StateAckWait
			s.mu.Unlock()
			s.log.Debug().Dur("ack_timeout", s.ackTimeout()).Msg("entering ack-wait")
		}
		if err := s.radio.Transmit(frame); err != nil {
			return nil, fmt.Errorf("radio transmit: %w", err)
		}

		ev := <-s.txEvents
		if ackRequested {
			s.mu.Lock()
			s.state = StateTransmit
			s.mu.Unlock()
		}
		if ev.err == nil {
			return ev.ack, nil
		}
		if !errors.Is(ev.err, meshcore.ErrChannelAccessFailure) {
			return nil, ev.err
		}

		if be < s.cfg.MaxBackoffExponent {
			be++
		}
	}

	return nil, fmt.Errorf("channel access failed after %d attempts: %w", maxCsmaBackoffs, meshcore.ErrChannelAccessFailure)
}

// waitAlarm blocks the caller for dur by driving the platform Alarm.
func (s *Scheduler) waitAlarm(dur time.Duration) {
	done := make(chan struct{})
	s.alarm.SetCallback(func() { close(done) })
	s.alarm.Set(s.alarm.NowMs(), uint32(dur.Milliseconds()))
	<-done
}

// ackTimeout returns the ack-wait duration of spec §4.4: ack-wait-symbols
// symbol periods.
func (s *Scheduler) ackTimeout() time.Duration {
	return time.Duration(s.cfg.AckWaitSymbols) * time.Duration(s.cfg.SymbolPeriod)
}

// TransmitDone implements platform.RadioCallbacks. ack carries the raw
// ack frame bytes if one was received before the scheduler's own
// ack-wait timeout elapses; err is ChannelAccessFailure on CCA failure.
func (s *Scheduler) TransmitDone(frame []byte, ack []byte, err error) {
	select {
	case s.txEvents <- txEvent{ack: ack, err: err}:
	default:
		s.log.Warn().Msg("transmit-done callback with no pending transmit")
	}
}

// ReceiveDone implements platform.RadioCallbacks: the MAC receive
// contract of spec §4.4 — PAN/address filtering, deduplication, optional
// unprotect, and dispatch.
func (s *Scheduler) ReceiveDone(frame []byte, err error) {
	if err != nil {
		s.log.Debug().Err(err).Msg("receive error from radio")
		return
	}

	f, perr := macframe.Parse(frame)
	if perr != nil {
		s.log.Debug().Err(perr).Msg("dropping unparseable frame")
		return
	}

	s.mu.Lock()
	panID := s.panID
	short := s.srcShort
	dupWindow := time.Duration(s.cfg.DuplicateWindow)
	s.mu.Unlock()

	if !s.acceptsDestination(f, panID, short) {
		return
	}

	key := dupKey{addr: addrKey(f), seq: f.Seq}
	if s.isDuplicate(key, dupWindow) {
		s.log.Debug().Uint8("seq", f.Seq).Msg("dropping duplicate frame")
		return
	}

	if f.FC.SecurityEnabled && s.security != nil {
		result, serr := s.security.Unprotect(f, addrExt(f))
		if serr != nil || result != linksecurity.UnprotectOK {
			s.log.Debug().Err(serr).Int("result", int(result)).Msg("dropping frame failing security")
			return
		}
	}

	if f.FC.Type == macframe.FrameTypeMacCommand && len(f.Payload) > 0 && f.Payload[0] == dataRequestCommandID {
		s.handleDataRequest(f.SrcAddr.Short)
		return
	}

	if s.OnReceive != nil {
		s.OnReceive(f)
	}
}

func (s *Scheduler) acceptsDestination(f *macframe.Frame, panID uint16, short meshcore.ShortAddress) bool {
	if f.FC.DstAddressMode == macframe.AddressModeNone {
		return true
	}
	if f.HasDstPAN && f.DstPAN != panID && f.DstPAN != 0xffff {
		return false
	}
	if f.FC.DstAddressMode == macframe.AddressModeShort {
		return f.DstAddr.Short == short || f.DstAddr.Short == meshcore.BroadcastShortAddress
	}
	return true
}

func (s *Scheduler) isDuplicate(key dupKey, window time.Duration) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.dups[key]; ok && now.Sub(last) < window {
		return true
	}
	s.dups[key] = now
	for k, t := range s.dups {
		if now.Sub(t) >= window {
			delete(s.dups, k)
		}
	}
	return false
}

// EnergyScanDone implements platform.RadioCallbacks.
func (s *Scheduler) EnergyScanDone(rssiDbm int8) {
	select {
	case s.txEvents <- txEvent{ack: []byte{byte(rssiDbm)}}:
	default:
	}
}

// EnergyScan switches to channel, samples for duration, and returns the
// maximum observed RSSI. It preempts only from the Idle state.
func (s *Scheduler) EnergyScan(channel uint8, duration uint16) (int8, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return 0, fmt.Errorf("energy scan requested in state %s: %w", s.state, meshcore.ErrBusy)
	}
	s.state = StateListen
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	if err := s.radio.EnergyScan(channel, duration); err != nil {
		return 0, err
	}
	ev := <-s.txEvents
	if len(ev.ack) == 0 {
		return 0, fmt.Errorf("energy scan produced no sample: %w", meshcore.ErrFailed)
	}
	return int8(ev.ack[0]), nil
}

// QueueIndirect enqueues frame for child, to be delivered on the child's
// next MacCmd-DataRequest (spec §4.4 indirect transmission).
func (s *Scheduler) QueueIndirect(child meshcore.ShortAddress, frame *macframe.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.indirect[child]
	if len(q) >= maxIndirectQueueLen {
		return meshcore.ErrNoBufs
	}
	s.indirect[child] = append(q, frame)
	return nil
}

// handleDataRequest pops the head of child's indirect queue and
// transmits it; if the queue remains non-empty, the companion ack's
// frame-pending bit should be set by the caller of Transmit using
// HasPendingFor.
func (s *Scheduler) handleDataRequest(child meshcore.ShortAddress) {
	s.mu.Lock()
	q := s.indirect[child]
	if len(q) == 0 {
		s.mu.Unlock()
		return
	}
	head := q[0]
	s.indirect[child] = q[1:]
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Transmit(ctx, &TxRequest{
			Frame:           head,
			Channel:         0,
			MaxCsmaBackoffs: s.cfg.MaxCsmaBackoffs,
			MaxFrameRetries: s.cfg.MaxFrameRetries,
		}); err != nil {
			s.log.Warn().Err(err).Msg("indirect transmit to polling child failed")
		}
	}()
}

// HasPendingFor reports whether child has a non-empty indirect queue, for
// setting the frame-pending bit in an outgoing ack.
func (s *Scheduler) HasPendingFor(child meshcore.ShortAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.indirect[child]) > 0
}

func framePending(ack []byte) bool {
	if len(ack) < 2 {
		return false
	}
	// Frame Control field bit 4 is the frame-pending bit (802.15.4-2006).
	return ack[0]&0x10 != 0
}

func addrKey(f *macframe.Frame) uint64 {
	if f.FC.SrcAddressMode == macframe.AddressModeExtended {
		var v uint64
		for _, b := range f.SrcAddr.Ext {
			v = v<<8 | uint64(b)
		}
		return v
	}
	return uint64(f.SrcAddr.Short)
}

func addrExt(f *macframe.Frame) meshcore.ExtAddress {
	return f.SrcAddr.Ext
}
