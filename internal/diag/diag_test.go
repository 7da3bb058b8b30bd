package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakeSnapshotter struct {
	role      string
	rloc16    uint16
	neighbors []NeighborSnapshot
	dataVer   uint8
	stableVer uint8
	cacheLen  int
}

func (f *fakeSnapshotter) Role() string     { return f.role }
func (f *fakeSnapshotter) Rloc16() uint16   { return f.rloc16 }
func (f *fakeSnapshotter) Neighbors() []NeighborSnapshot {
	return f.neighbors
}
func (f *fakeSnapshotter) NetworkDataVersion() (uint8, uint8) { return f.dataVer, f.stableVer }
func (f *fakeSnapshotter) AddressCacheLen() int               { return f.cacheLen }

func TestHandleRole(t *testing.T) {
	snap := &fakeSnapshotter{role: "child", rloc16: 0x4001}
	s := New(snap, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/diag/v1/role", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["role"] != "child" || body["rloc16"] != "0x4001" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleNeighbors(t *testing.T) {
	snap := &fakeSnapshotter{neighbors: []NeighborSnapshot{
		{ExtAddress: "0102030405060708", ShortAddress: 0x4002, State: "valid", Kind: "child"},
	}}
	s := New(snap, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/diag/v1/neighbors", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var got []NeighborSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ShortAddress != 0x4002 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleNetDataAndAddrCache(t *testing.T) {
	snap := &fakeSnapshotter{dataVer: 3, stableVer: 1, cacheLen: 5}
	s := New(snap, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/diag/v1/netdata", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var nd map[string]uint8
	json.Unmarshal(rec.Body.Bytes(), &nd)
	if nd["dataVersion"] != 3 || nd["stableVersion"] != 1 {
		t.Fatalf("netdata body = %+v", nd)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/diag/v1/addrcache", nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	var ac map[string]int
	json.Unmarshal(rec2.Body.Bytes(), &ac)
	if ac["entries"] != 5 {
		t.Fatalf("addrcache body = %+v", ac)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	snap := &fakeSnapshotter{}
	s := New(snap, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/diag/v1/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
