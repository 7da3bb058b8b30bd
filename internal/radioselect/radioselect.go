// Package radioselect implements the multi-radio link preference selector
// of spec §4.9: per-neighbor preference tracking across 802.15.4 and TREL
// (Thread Radio Encapsulation Link) radios, and the algorithm that picks
// which radio to use for the next transmission.
package radioselect

import (
	"math/rand"

	"github.com/openthread-go/meshcore/internal/platform"
)

// RadioType identifies a supported radio link.
type RadioType int

const (
	RadioIeee802154 RadioType = iota
	RadioTrel
)

func (r RadioType) String() string {
	switch r {
	case RadioIeee802154:
		return "15.4"
	case RadioTrel:
		return "trel"
	default:
		return "unknown"
	}
}

// selectionOrder mirrors the preferred tie-break order when no radio has
// crossed kHighPreference: TREL is tried first, then 802.15.4.
var selectionOrder = []RadioType{RadioTrel, RadioIeee802154}

const (
	minPreference  = 0
	maxPreference  = 15
	initPreference = 1

	// highPreference is the threshold at which a radio is selected
	// outright rather than by comparison (spec §4.9).
	highPreference = 10

	preferenceOnTxSuccess          = 1
	preferenceOnTxError            = -2
	preferenceOnDeferredAckSuccess = 1
	preferenceOnDeferredAckTimeout = -4
	preferenceOnRx                 = 1
	preferenceOnRxDuplicate        = 0

	// trelProbeProbability is the percent chance (0-100) of probing an
	// unselected-but-previously-seen TREL link on a given transmit.
	trelProbeProbability = 20
)

// Preferences tracks the per-radio preference values for one neighbor.
type Preferences struct {
	supported map[RadioType]bool
	values    map[RadioType]int
}

// NewPreferences returns an empty preference set; radios are added lazily
// the first time traffic is observed on them.
func NewPreferences() *Preferences {
	return &Preferences{
		supported: make(map[RadioType]bool),
		values:    make(map[RadioType]int),
	}
}

func (p *Preferences) observe(radio RadioType) {
	if !p.supported[radio] {
		p.supported[radio] = true
		p.values[radio] = initPreference
	}
}

// Get returns radio's current preference, or 0 if never observed.
func (p *Preferences) Get(radio RadioType) int {
	return p.values[radio]
}

// Supports reports whether traffic has been seen on radio.
func (p *Preferences) Supports(radio RadioType) bool {
	return p.supported[radio]
}

func (p *Preferences) adjust(radio RadioType, delta int) {
	p.observe(radio)
	p.values[radio] = platform.Clamp(p.values[radio]+delta, minPreference, maxPreference)
}

// UpdateOnReceive adjusts preference after receiving a frame from the
// neighbor on radio (spec §4.9).
func (p *Preferences) UpdateOnReceive(radio RadioType, isDuplicate bool) {
	if isDuplicate {
		p.adjust(radio, preferenceOnRxDuplicate)
		return
	}
	p.adjust(radio, preferenceOnRx)
}

// UpdateOnSendDone adjusts preference after a direct (non-TREL) tx
// completes, success or not.
func (p *Preferences) UpdateOnSendDone(radio RadioType, success bool) {
	if success {
		p.adjust(radio, preferenceOnTxSuccess)
	} else {
		p.adjust(radio, preferenceOnTxError)
	}
}

// UpdateOnDeferredAck adjusts TREL's preference once its deferred-ack
// outcome is known, and reports whether the neighbor may still be removed
// (false if another radio remains usable, so the neighbor survives the
// TREL failure).
func (p *Preferences) UpdateOnDeferredAck(success bool) (allowNeighborRemove bool) {
	if success {
		p.adjust(RadioTrel, preferenceOnDeferredAckSuccess)
		return true
	}
	p.adjust(RadioTrel, preferenceOnDeferredAckTimeout)

	for _, radio := range selectionOrder {
		if radio == RadioTrel {
			continue
		}
		if p.supported[radio] && p.values[radio] >= highPreference {
			return false
		}
	}
	return true
}

// Select picks the radio to use for the next transmission: the first
// radio (in selectionOrder) at or above highPreference, else the radio
// with the highest preference among those supported (spec §4.9).
func Select(p *Preferences) RadioType {
	selected := selectionOrder[0]
	found := false
	best := minPreference - 1

	for _, radio := range selectionOrder {
		if !p.supported[radio] {
			continue
		}
		pref := p.values[radio]
		if pref >= highPreference {
			return radio
		}
		if !found || pref > best {
			found = true
			best = pref
			selected = radio
		}
	}
	return selected
}

// ShouldProbeTrel reports whether this transmission should also probe an
// unselected-but-previously-seen TREL link, using rnd (0-99) as the
// random draw (spec §4.9 "probabilistically... to detect recovery").
func ShouldProbeTrel(p *Preferences, selected RadioType, rnd int) bool {
	if selected == RadioTrel {
		return false
	}
	if !p.supported[RadioTrel] {
		return false
	}
	return rnd < trelProbeProbability
}

// RandomDraw returns a random integer in [0, 100), for callers that don't
// want to manage their own rand.Rand.
func RandomDraw(r *rand.Rand) int {
	return r.Intn(100)
}
