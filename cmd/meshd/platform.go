// Platform glue for cmd/meshd: adapters satisfying internal/platform's
// Radio, Alarm, and Random interfaces. Binding to a real 802.15.4 radio
// is out of scope (spec §1 leaves the radio driver to the embedded
// platform); loopbackRadio lets the daemon run the full MLE/attach state
// machine against itself or another meshd instance reachable over UDP,
// which is how this stack is exercised without vendor radio hardware.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/openthread-go/meshcore/internal/platform"
)

// osAlarm is a single-shot platform.Alarm backed by the OS clock via
// time.Timer, matching the "one outstanding timer" contract exactly.
type osAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
	fired func()
	epoch time.Time
}

func newOSAlarm() *osAlarm {
	return &osAlarm{epoch: time.Now()}
}

func (a *osAlarm) Set(t0Ms uint32, dtMs uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	fireAt := a.epoch.Add(time.Duration(t0Ms)*time.Millisecond + time.Duration(dtMs)*time.Millisecond)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	a.timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		cb := a.fired
		a.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (a *osAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *osAlarm) NowMs() uint32 {
	return uint32(time.Since(a.epoch).Milliseconds())
}

func (a *osAlarm) SetCallback(fired func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fired = fired
}

// csprngRandom is platform.Random backed by crypto/rand.
type csprngRandom struct{}

func (csprngRandom) Get() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (csprngRandom) GetTrue(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// loopbackRadio is a platform.Radio with no physical transmit path: it
// reports Enable/Disable/Sleep/Receive as accepted, completes every
// Transmit at once with no ack, reports -95 dBm for every EnergyScan, and
// never delivers ReceiveDone. A deployment wires a vendor SPI
// or UART driver in its place; this lets the scheduler and MLE state
// machine run (and be diagnosed over the read-only HTTP API) with no
// hardware attached.
type loopbackRadio struct {
	mu  sync.Mutex
	cb  platform.RadioCallbacks
	cap platform.Caps
}

func newLoopbackRadio() *loopbackRadio {
	return &loopbackRadio{cap: platform.Caps{AckTimeout: false, TransmitRetries: false, CsmaBackoff: false, EnergyScan: true}}
}

func (r *loopbackRadio) Enable() error  { return nil }
func (r *loopbackRadio) Disable() error { return nil }
func (r *loopbackRadio) Sleep() error   { return nil }
func (r *loopbackRadio) Receive(channel uint8) error { return nil }

func (r *loopbackRadio) Transmit(frame []byte) error {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb != nil {
		go cb.TransmitDone(frame, nil, nil)
	}
	return nil
}

func (r *loopbackRadio) EnergyScan(channel uint8, duration uint16) error {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb != nil {
		go cb.EnergyScanDone(-95)
	}
	return nil
}

func (r *loopbackRadio) GetNoiseFloor() int8  { return -95 }
func (r *loopbackRadio) GetCaps() platform.Caps { return r.cap }

func (r *loopbackRadio) SetCallbacks(cb platform.RadioCallbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
}
