// Package macframe parses and serializes IEEE 802.15.4 frames (spec
// §4.1). Serialize writes into a caller-provided buffer without
// allocating. Parse allocates the returned Frame (and a copy of any key
// source); its Payload aliases the caller-owned input slice. It does not perform cryptography — see pkg/linksecurity for the
// AES-CCM* engine that fills in the auxiliary security header and MIC.
package macframe

import (
	"encoding/binary"
	"fmt"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// MaxPSDU is the largest a serialized frame may be, FCS included (spec §3).
const MaxPSDU = 127

// FrameType identifies the 802.15.4 frame type carried in the frame
// control field.
type FrameType uint8

const (
	FrameTypeBeacon FrameType = iota
	FrameTypeData
	FrameTypeAck
	FrameTypeMacCommand
)

// AddressMode identifies how an address is encoded (none, short, extended).
type AddressMode uint8

const (
	AddressModeNone AddressMode = iota
	_                           // reserved
	AddressModeShort
	AddressModeExtended
)

// SecurityLevel controls MIC length and whether the payload is encrypted
// (spec §3, §4.2).
type SecurityLevel uint8

const (
	SecurityLevelNone SecurityLevel = iota
	SecurityLevelMic32
	SecurityLevelMic64
	SecurityLevelMic128
	SecurityLevelEnc
	SecurityLevelEncMic32
	SecurityLevelEncMic64
	SecurityLevelEncMic128
)

// MicLen returns the MIC length in bytes for a security level.
func MicLen(level SecurityLevel) int {
	switch level {
	case SecurityLevelMic32, SecurityLevelEncMic32:
		return 4
	case SecurityLevelMic64, SecurityLevelEncMic64:
		return 8
	case SecurityLevelMic128, SecurityLevelEncMic128:
		return 16
	default:
		return 0
	}
}

// IsEncrypted reports whether the security level requires payload encryption.
func IsEncrypted(level SecurityLevel) bool {
	switch level {
	case SecurityLevelEnc, SecurityLevelEncMic32, SecurityLevelEncMic64, SecurityLevelEncMic128:
		return true
	default:
		return false
	}
}

// KeyIDMode selects how the key used to secure a frame is identified
// (spec §3).
type KeyIDMode uint8

const (
	KeyIDModeImplicit KeyIDMode = iota
	KeyIDModeIndex
	KeyIDModeSource4Index
	KeyIDModeSource8Index
)

// FrameControl is the decoded frame-control field.
type FrameControl struct {
	Type              FrameType
	SecurityEnabled   bool
	FramePending      bool
	AckRequest        bool
	PanIDCompression  bool
	DstAddressMode    AddressMode
	SrcAddressMode    AddressMode
	FrameVersion      uint8
}

// AuxSecurityHeader is the auxiliary security header (spec §3, §4.2).
type AuxSecurityHeader struct {
	SecurityLevel SecurityLevel
	KeyIDMode     KeyIDMode
	FrameCounter  uint32
	KeyIndex      uint8
	KeySource     []byte // present only for KeyIDMode 2/3
}

// Frame is a fully decoded 802.15.4 frame.
type Frame struct {
	FC       FrameControl
	Seq      uint8
	DstPAN   uint16
	DstAddr  Address
	SrcPAN   uint16
	SrcAddr  Address
	Aux      AuxSecurityHeader
	Payload  []byte // for security-enabled frames, this includes the MIC until Unprotect is applied
	HasDstPAN bool
	HasSrcPAN bool
}

// Address holds either a short or extended address depending on Mode.
type Address struct {
	Mode  AddressMode
	Short meshcore.ShortAddress
	Ext   meshcore.ExtAddress
}

func shortAddress(a meshcore.ShortAddress) Address {
	return Address{Mode: AddressModeShort, Short: a}
}

func extAddress(a meshcore.ExtAddress) Address {
	return Address{Mode: AddressModeExtended, Ext: a}
}

// frameVersionReserved is the first frame-version value OpenThread does
// not know how to parse.
const frameVersionReserved = 3

// Parse decodes a single 802.15.4 frame from data. It returns
// meshcore.ErrParse wrapped with context on truncated input, a reserved
// frame version, or an invalid addressing-mode combination.
func Parse(data []byte) (*Frame, error) {
	if len(data) > MaxPSDU {
		return nil, fmt.Errorf("frame length %d exceeds max PSDU %d: %w", len(data), MaxPSDU, meshcore.ErrParse)
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("truncated frame: %d bytes: %w", len(data), meshcore.ErrParse)
	}

	fcRaw := binary.LittleEndian.Uint16(data[0:2])
	fc := decodeFrameControl(fcRaw)

	if fc.FrameVersion >= frameVersionReserved {
		return nil, fmt.Errorf("reserved frame version %d: %w", fc.FrameVersion, meshcore.ErrParse)
	}
	if !validAddressingCombo(fc) {
		return nil, fmt.Errorf("invalid addressing mode combination: %w", meshcore.ErrParse)
	}

	f := &Frame{FC: fc}
	pos := 2

	if pos >= len(data) {
		return nil, fmt.Errorf("truncated frame: missing sequence number: %w", meshcore.ErrParse)
	}
	f.Seq = data[pos]
	pos++

	// Destination addressing.
	if fc.DstAddressMode != AddressModeNone {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated frame: missing dst PAN: %w", meshcore.ErrParse)
		}
		f.DstPAN = binary.LittleEndian.Uint16(data[pos : pos+2])
		f.HasDstPAN = true
		pos += 2

		switch fc.DstAddressMode {
		case AddressModeShort:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("truncated frame: missing dst short addr: %w", meshcore.ErrParse)
			}
			f.DstAddr = shortAddress(meshcore.ShortAddress(binary.LittleEndian.Uint16(data[pos : pos+2])))
			pos += 2
		case AddressModeExtended:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("truncated frame: missing dst ext addr: %w", meshcore.ErrParse)
			}
			var ext meshcore.ExtAddress
			copyReversed(ext[:], data[pos:pos+8])
			f.DstAddr = extAddress(ext)
			pos += 8
		}
	}

	// Source addressing.
	if fc.SrcAddressMode != AddressModeNone {
		if !fc.PanIDCompression {
			if pos+2 > len(data) {
				return nil, fmt.Errorf("truncated frame: missing src PAN: %w", meshcore.ErrParse)
			}
			f.SrcPAN = binary.LittleEndian.Uint16(data[pos : pos+2])
			f.HasSrcPAN = true
			pos += 2
		} else {
			f.SrcPAN = f.DstPAN
		}

		switch fc.SrcAddressMode {
		case AddressModeShort:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("truncated frame: missing src short addr: %w", meshcore.ErrParse)
			}
			f.SrcAddr = shortAddress(meshcore.ShortAddress(binary.LittleEndian.Uint16(data[pos : pos+2])))
			pos += 2
		case AddressModeExtended:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("truncated frame: missing src ext addr: %w", meshcore.ErrParse)
			}
			var ext meshcore.ExtAddress
			copyReversed(ext[:], data[pos:pos+8])
			f.SrcAddr = extAddress(ext)
			pos += 8
		}
	}

	if fc.SecurityEnabled {
		aux, n, err := parseAuxHeader(data[pos:])
		if err != nil {
			return nil, err
		}
		f.Aux = aux
		pos += n
	}

	if pos > len(data) {
		return nil, fmt.Errorf("truncated frame: header overruns payload: %w", meshcore.ErrParse)
	}
	f.Payload = data[pos:]

	return f, nil
}

func parseAuxHeader(data []byte) (AuxSecurityHeader, int, error) {
	var aux AuxSecurityHeader
	if len(data) < 1 {
		return aux, 0, fmt.Errorf("truncated aux security header: %w", meshcore.ErrParse)
	}
	scf := data[0]
	aux.SecurityLevel = SecurityLevel(scf & 0x07)
	aux.KeyIDMode = KeyIDMode((scf >> 3) & 0x03)
	pos := 1

	if pos+4 > len(data) {
		return aux, 0, fmt.Errorf("truncated aux security header: frame counter: %w", meshcore.ErrParse)
	}
	aux.FrameCounter = binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	switch aux.KeyIDMode {
	case KeyIDModeImplicit:
		// no key identifier present
	case KeyIDModeIndex:
		if pos+1 > len(data) {
			return aux, 0, fmt.Errorf("truncated aux security header: key index: %w", meshcore.ErrParse)
		}
		aux.KeyIndex = data[pos]
		pos++
	case KeyIDModeSource4Index:
		if pos+5 > len(data) {
			return aux, 0, fmt.Errorf("truncated aux security header: key source: %w", meshcore.ErrParse)
		}
		aux.KeySource = append([]byte(nil), data[pos:pos+4]...)
		aux.KeyIndex = data[pos+4]
		pos += 5
	case KeyIDModeSource8Index:
		if pos+9 > len(data) {
			return aux, 0, fmt.Errorf("truncated aux security header: key source: %w", meshcore.ErrParse)
		}
		aux.KeySource = append([]byte(nil), data[pos:pos+8]...)
		aux.KeyIndex = data[pos+8]
		pos += 9
	}

	return aux, pos, nil
}

// validAddressingCombo rejects frame-control combinations the 2006/2015
// frame format does not allow (PAN-id compression without any addresses,
// reserved address mode 1).
func validAddressingCombo(fc FrameControl) bool {
	if fc.DstAddressMode == AddressMode(1) || fc.SrcAddressMode == AddressMode(1) {
		return false
	}
	if fc.PanIDCompression && fc.DstAddressMode == AddressModeNone && fc.SrcAddressMode == AddressModeNone {
		return false
	}
	return true
}

func decodeFrameControl(raw uint16) FrameControl {
	return FrameControl{
		Type:             FrameType(raw & 0x07),
		SecurityEnabled:  raw&0x0008 != 0,
		FramePending:     raw&0x0010 != 0,
		AckRequest:       raw&0x0020 != 0,
		PanIDCompression: raw&0x0040 != 0,
		DstAddressMode:   AddressMode((raw >> 10) & 0x03),
		FrameVersion:     uint8((raw >> 12) & 0x03),
		SrcAddressMode:   AddressMode((raw >> 14) & 0x03),
	}
}

func encodeFrameControl(fc FrameControl) uint16 {
	var raw uint16
	raw |= uint16(fc.Type) & 0x07
	if fc.SecurityEnabled {
		raw |= 0x0008
	}
	if fc.FramePending {
		raw |= 0x0010
	}
	if fc.AckRequest {
		raw |= 0x0020
	}
	if fc.PanIDCompression {
		raw |= 0x0040
	}
	raw |= uint16(fc.DstAddressMode&0x03) << 10
	raw |= uint16(fc.FrameVersion&0x03) << 12
	raw |= uint16(fc.SrcAddressMode&0x03) << 14
	return raw
}

// HeaderLen returns the length of the MHR (frame control through aux
// security header, exclusive of payload/MIC/FCS) for the given
// addressing and security configuration.
func HeaderLen(fc FrameControl, secLevel SecurityLevel, keyIDMode KeyIDMode) int {
	n := 2 /* FC */ + 1 /* seq */
	if fc.DstAddressMode != AddressModeNone {
		n += 2 // dst PAN
		n += addrLen(fc.DstAddressMode)
	}
	if fc.SrcAddressMode != AddressModeNone {
		if !fc.PanIDCompression {
			n += 2
		}
		n += addrLen(fc.SrcAddressMode)
	}
	if fc.SecurityEnabled {
		n += 1 + 4 // security control field + frame counter
		switch keyIDMode {
		case KeyIDModeIndex:
			n++
		case KeyIDModeSource4Index:
			n += 5
		case KeyIDModeSource8Index:
			n += 9
		}
	}
	return n
}

func addrLen(mode AddressMode) int {
	switch mode {
	case AddressModeShort:
		return 2
	case AddressModeExtended:
		return 8
	default:
		return 0
	}
}

// Serialize writes f into buf and returns the number of bytes written. buf
// must be at least MaxPSDU bytes; Serialize never allocates or resizes it.
// The payload written includes whatever f.Payload currently holds (which,
// for a security-enabled frame, should already carry ciphertext and MIC —
// see pkg/linksecurity.Protect).
func Serialize(f *Frame, buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrInvalidArgs)
	}
	if !validAddressingCombo(f.FC) {
		return 0, fmt.Errorf("invalid addressing mode combination: %w", meshcore.ErrInvalidArgs)
	}

	binary.LittleEndian.PutUint16(buf[0:2], encodeFrameControl(f.FC))
	pos := 2

	if pos+1 > len(buf) {
		return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
	}
	buf[pos] = f.Seq
	pos++

	if f.FC.DstAddressMode != AddressModeNone {
		if pos+2 > len(buf) {
			return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
		}
		binary.LittleEndian.PutUint16(buf[pos:pos+2], f.DstPAN)
		pos += 2
		n, err := putAddress(buf[pos:], f.DstAddr)
		if err != nil {
			return 0, err
		}
		pos += n
	}

	if f.FC.SrcAddressMode != AddressModeNone {
		if !f.FC.PanIDCompression {
			if pos+2 > len(buf) {
				return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
			}
			binary.LittleEndian.PutUint16(buf[pos:pos+2], f.SrcPAN)
			pos += 2
		}
		n, err := putAddress(buf[pos:], f.SrcAddr)
		if err != nil {
			return 0, err
		}
		pos += n
	}

	if f.FC.SecurityEnabled {
		n, err := putAuxHeader(buf[pos:], f.Aux)
		if err != nil {
			return 0, err
		}
		pos += n
	}

	if pos+len(f.Payload) > len(buf) {
		return 0, fmt.Errorf("buffer too small for payload: %w", meshcore.ErrNoBufs)
	}
	pos += copy(buf[pos:], f.Payload)

	if pos > MaxPSDU {
		return 0, fmt.Errorf("serialized length %d exceeds max PSDU %d: %w", pos, MaxPSDU, meshcore.ErrInvalidArgs)
	}

	return pos, nil
}

func putAddress(buf []byte, addr Address) (int, error) {
	switch addr.Mode {
	case AddressModeShort:
		if len(buf) < 2 {
			return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
		}
		binary.LittleEndian.PutUint16(buf, uint16(addr.Short))
		return 2, nil
	case AddressModeExtended:
		if len(buf) < 8 {
			return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
		}
		copyReversed(buf[:8], addr.Ext[:])
		return 8, nil
	default:
		return 0, nil
	}
}

func putAuxHeader(buf []byte, aux AuxSecurityHeader) (int, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
	}
	buf[0] = byte(aux.SecurityLevel&0x07) | byte(aux.KeyIDMode&0x03)<<3
	pos := 1

	if pos+4 > len(buf) {
		return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], aux.FrameCounter)
	pos += 4

	switch aux.KeyIDMode {
	case KeyIDModeImplicit:
	case KeyIDModeIndex:
		if pos+1 > len(buf) {
			return 0, fmt.Errorf("buffer too small: %w", meshcore.ErrNoBufs)
		}
		buf[pos] = aux.KeyIndex
		pos++
	case KeyIDModeSource4Index:
		if pos+5 > len(buf) || len(aux.KeySource) < 4 {
			return 0, fmt.Errorf("buffer too small or missing key source: %w", meshcore.ErrInvalidArgs)
		}
		copy(buf[pos:pos+4], aux.KeySource[:4])
		buf[pos+4] = aux.KeyIndex
		pos += 5
	case KeyIDModeSource8Index:
		if pos+9 > len(buf) || len(aux.KeySource) < 8 {
			return 0, fmt.Errorf("buffer too small or missing key source: %w", meshcore.ErrInvalidArgs)
		}
		copy(buf[pos:pos+8], aux.KeySource[:8])
		buf[pos+8] = aux.KeyIndex
		pos += 9
	}

	return pos, nil
}

// copyReversed copies src into dst reversed; 802.15.4 addresses are
// transmitted little-endian octet order while ExtAddress is stored in
// the conventional (network) byte order used everywhere else in this
// module.
func copyReversed(dst, src []byte) {
	for i := range src {
		dst[i] = src[len(src)-1-i]
	}
}
