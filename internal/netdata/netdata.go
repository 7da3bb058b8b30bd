// Package netdata implements the Thread network-data model of spec
// §4.7: the leader's authoritative TLV blob (Prefix, Has-Route,
// Border-Router, 6LoWPAN-Context, Service sub-TLVs) and the steering-data
// bloom filter used to advertise joiner eligibility. Grounded on the
// spec's TLV wire shape (§6.3: type/length/value, stable-flag bit0) and,
// for the bloom filter, on the CRC16 CCITT/ANSI pairing spec §4.7/§8
// scenario 4 specifies explicitly.
package netdata

import (
	"fmt"
	"sync"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// TLVType identifies a network-data sub-TLV (spec §4.7).
type TLVType uint8

const (
	TLVPrefix TLVType = iota
	TLVHasRoute
	TLVBorderRouter
	TLV6LowPANContext
	TLVService
)

// StableFlag is bit 0 of a TLV's type byte (spec §6.3).
const StableFlag = 0x01

// Prefix registers an on-mesh prefix (spec §4.7 register_on_mesh_prefix).
type Prefix struct {
	Address    [16]byte
	Length     uint8
	Stable     bool
	OnMesh     bool
	Default    bool
	Preference int8 // -1, 0, or +1
}

func (p Prefix) key() string {
	return fmt.Sprintf("%x/%d", p.Address[:(p.Length+7)/8], p.Length)
}

// Route registers an external route (spec §4.7 register_route).
type Route struct {
	Prefix     Prefix
	Preference int8
}

// Service registers a network service (spec §4.7 register_service).
type Service struct {
	EnterpriseNumber uint32
	ServiceData      []byte
	ServerData       []byte
	Stable           bool
}

func (s Service) key() string {
	return fmt.Sprintf("%d:%x", s.EnterpriseNumber, s.ServiceData)
}

// Leader is the leader's authoritative network-data store: each local
// edit bumps DataVersion, which MLE Advertisements then propagate (spec
// §4.7).
type Leader struct {
	mu sync.Mutex

	prefixes map[string]Prefix
	routes   map[string]Route
	services map[string]Service

	DataVersion   uint8
	StableVersion uint8
}

// NewLeader constructs an empty network-data store.
func NewLeader() *Leader {
	return &Leader{
		prefixes: make(map[string]Prefix),
		routes:   make(map[string]Route),
		services: make(map[string]Service),
	}
}

// RegisterOnMeshPrefix adds p. A second call with the same prefix returns
// meshcore.ErrAlready, matching the spec §8 idempotence invariant.
func (l *Leader) RegisterOnMeshPrefix(p Prefix) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := p.key()
	if _, exists := l.prefixes[k]; exists {
		return meshcore.ErrAlready
	}
	l.prefixes[k] = p
	l.bumpVersion(p.Stable)
	return nil
}

// RegisterRoute adds an external route.
func (l *Leader) RegisterRoute(r Route) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := r.Prefix.key()
	if _, exists := l.routes[k]; exists {
		return meshcore.ErrAlready
	}
	l.routes[k] = r
	l.bumpVersion(r.Prefix.Stable)
	return nil
}

// RegisterService adds a service entry.
func (l *Leader) RegisterService(s Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := s.key()
	if _, exists := l.services[k]; exists {
		return meshcore.ErrAlready
	}
	l.services[k] = s
	l.bumpVersion(s.Stable)
	return nil
}

func (l *Leader) bumpVersion(stable bool) {
	l.DataVersion++
	if stable {
		l.StableVersion++
	}
}

// Snapshot returns copies of the current prefixes, routes, and services
// for serialization into an MLE DataResponse.
func (l *Leader) Snapshot() (prefixes []Prefix, routes []Route, services []Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.prefixes {
		prefixes = append(prefixes, p)
	}
	for _, r := range l.routes {
		routes = append(routes, r)
	}
	for _, s := range l.services {
		services = append(services, s)
	}
	return
}

// crc16CCITT computes the CRC-CCITT (polynomial 0x1021, init 0xffff)
// checksum, one of the two hashes the steering-data bloom filter combines
// (spec §4.7/§8 scenario 4).
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// crc16ANSI computes the CRC-16/ANSI (polynomial 0x8005, init 0x0000,
// reflected) checksum, the second hash of the steering-data filter.
func crc16ANSI(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = crc>>1 ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// SteeringData is the bloom filter a commissioner advertises to restrict
// which joiners may attempt commissioning (spec §4.7).
type SteeringData struct {
	bits []bool
}

// NewSteeringData allocates a filter of the given bit width.
func NewSteeringData(bitWidth int) *SteeringData {
	return &SteeringData{bits: make([]bool, bitWidth)}
}

// Add inserts joinerID's two CRC-derived bits into the filter.
func (s *SteeringData) Add(joinerID meshcore.ExtAddress) {
	i1, i2 := s.indices(joinerID)
	s.bits[i1] = true
	s.bits[i2] = true
}

// Contains reports whether both of joinerID's bits are set. False
// positives are possible by construction (spec §8 scenario 4 note: "unless
// the two CRC bits collide").
func (s *SteeringData) Contains(joinerID meshcore.ExtAddress) bool {
	i1, i2 := s.indices(joinerID)
	return s.bits[i1] && s.bits[i2]
}

func (s *SteeringData) indices(joinerID meshcore.ExtAddress) (int, int) {
	width := uint16(len(s.bits))
	return int(crc16CCITT(joinerID[:]) % width), int(crc16ANSI(joinerID[:]) % width)
}

// Clear resets every bit.
func (s *SteeringData) Clear() {
	for i := range s.bits {
		s.bits[i] = false
	}
}
