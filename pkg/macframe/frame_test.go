package macframe

import (
	"errors"
	"testing"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

func buildDataFrame(payload []byte) *Frame {
	return &Frame{
		FC: FrameControl{
			Type:           FrameTypeData,
			AckRequest:     true,
			DstAddressMode: AddressModeShort,
			SrcAddressMode: AddressModeShort,
			FrameVersion:   1,
		},
		Seq:     42,
		DstPAN:  0x1234,
		DstAddr: shortAddress(0x0005),
		SrcPAN:  0x1234,
		SrcAddr: shortAddress(0x0006),
		Payload: payload,
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	f := buildDataFrame([]byte("hello mesh"))
	buf := make([]byte, MaxPSDU)

	n, err := Serialize(f, buf)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.Seq != f.Seq || got.DstPAN != f.DstPAN || got.SrcPAN != f.SrcPAN {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.DstAddr.Short != f.DstAddr.Short || got.SrcAddr.Short != f.SrcAddr.Short {
		t.Fatalf("address mismatch: %+v", got)
	}
	if string(got.Payload) != string(f.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, f.Payload)
	}
}

func TestParseMaxLength(t *testing.T) {
	f := buildDataFrame(nil)
	buf := make([]byte, MaxPSDU)
	n, err := Serialize(f, buf)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	pad := MaxPSDU - n
	f.Payload = make([]byte, pad)
	n, err = Serialize(f, buf)
	if err != nil {
		t.Fatalf("Serialize at max length: %v", err)
	}
	if n != MaxPSDU {
		t.Fatalf("expected exactly %d bytes, got %d", MaxPSDU, n)
	}
	if _, err := Parse(buf[:n]); err != nil {
		t.Fatalf("127-byte frame should parse: %v", err)
	}

	oversized := make([]byte, MaxPSDU+1)
	copy(oversized, buf[:n])
	if _, err := Parse(oversized); !errors.Is(err, meshcore.ErrParse) {
		t.Fatalf("128-byte frame should be rejected as Parse error, got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse([]byte{0x01}); !errors.Is(err, meshcore.ErrParse) {
		t.Fatalf("expected ErrParse for truncated input, got %v", err)
	}
}

func TestParseReservedFrameVersion(t *testing.T) {
	f := buildDataFrame(nil)
	f.FC.FrameVersion = 3
	buf := make([]byte, MaxPSDU)
	n, err := Serialize(f, buf)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := Parse(buf[:n]); !errors.Is(err, meshcore.ErrParse) {
		t.Fatalf("expected ErrParse for reserved frame version, got %v", err)
	}
}

func TestMicLen(t *testing.T) {
	cases := []struct {
		level SecurityLevel
		want  int
	}{
		{SecurityLevelNone, 0},
		{SecurityLevelMic32, 4},
		{SecurityLevelEncMic64, 8},
		{SecurityLevelMic128, 16},
	}
	for _, c := range cases {
		if got := MicLen(c.level); got != c.want {
			t.Errorf("MicLen(%v) = %d, want %d", c.level, got, c.want)
		}
	}
}
