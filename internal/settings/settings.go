// Package settings implements the typed non-volatile record store of spec
// §4.11: keyed records (ActiveDataset, PendingDataset, NetworkInfo,
// ParentInfo, ChildInfo) over a platform key-value API, with read/save/
// add/delete/wipe operations and save-coalescing (a save whose payload
// matches the current value is skipped).
package settings

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// Key identifies a settings record type (spec §4.11; numeric values match
// the platform settings key enum this is grounded on).
type Key uint16

const (
	KeyActiveDataset   Key = 0x0001
	KeyPendingDataset  Key = 0x0002
	KeyNetworkInfo     Key = 0x0003
	KeyParentInfo      Key = 0x0004
	KeyChildInfo       Key = 0x0005
	KeyThreadAutoStart Key = 0x0006
)

// NetworkInfo is the device's own persisted network state.
type NetworkInfo struct {
	Role                uint8
	DeviceMode          uint8
	Rloc16              meshcore.ShortAddress
	KeySequence         uint32
	MleFrameCounter     uint32
	MacFrameCounter     uint32
	PreviousPartitionID uint32
	ExtAddress          meshcore.ExtAddress
	MeshLocalIID        [8]byte
}

// ParentInfo is the persisted parent extended address, used to skip a
// full parent-search on restart when reattaching to the same parent.
type ParentInfo struct {
	ExtAddress meshcore.ExtAddress
}

// ChildInfo is one persisted child record (stored as a list via Add).
type ChildInfo struct {
	ExtAddress meshcore.ExtAddress
	Timeout    uint32
	Rloc16     meshcore.ShortAddress
	Mode       uint8
}

// Store is the platform key-value persistence boundary (spec §6.1): plain
// byte blobs in, plain byte blobs out. Backend implementations encode the
// typed records above.
type Store interface {
	Read(ctx context.Context, key Key, index int) ([]byte, error)
	Save(ctx context.Context, key Key, value []byte) error
	Add(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key, index int) error
	DeleteAll(ctx context.Context, key Key) error
	Wipe(ctx context.Context) error
}

// Settings wraps a Store with the typed record operations spec §4.11
// names, including save-coalescing.
type Settings struct {
	store Store
	log   zerolog.Logger
}

// New wraps store with the typed settings API.
func New(store Store, log zerolog.Logger) *Settings {
	return &Settings{store: store, log: log}
}

// ReadNetworkInfo loads the persisted NetworkInfo record.
func (s *Settings) ReadNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	raw, err := s.store.Read(ctx, KeyNetworkInfo, 0)
	if err != nil {
		return nil, err
	}
	var info NetworkInfo
	if err := decode(raw, &info); err != nil {
		return nil, err
	}
	s.log.Debug().Uint16("rloc16", uint16(info.Rloc16)).Msg("settings: read NetworkInfo")
	return &info, nil
}

// SaveNetworkInfo persists info, skipping the write if it is
// byte-identical to the currently stored value (spec §4.11
// save-coalescing).
func (s *Settings) SaveNetworkInfo(ctx context.Context, info NetworkInfo) error {
	encoded := encode(info)
	if prev, err := s.store.Read(ctx, KeyNetworkInfo, 0); err == nil && bytes.Equal(prev, encoded) {
		s.log.Debug().Msg("settings: NetworkInfo re-save skipped, unchanged")
		return nil
	}
	if err := s.store.Save(ctx, KeyNetworkInfo, encoded); err != nil {
		s.log.Warn().Err(err).Msg("settings: saving NetworkInfo failed")
		return err
	}
	s.log.Info().Uint16("rloc16", uint16(info.Rloc16)).Msg("settings: saved NetworkInfo")
	return nil
}

// DeleteNetworkInfo removes the persisted NetworkInfo record.
func (s *Settings) DeleteNetworkInfo(ctx context.Context) error {
	return s.store.DeleteAll(ctx, KeyNetworkInfo)
}

// ReadParentInfo loads the persisted ParentInfo record.
func (s *Settings) ReadParentInfo(ctx context.Context) (*ParentInfo, error) {
	raw, err := s.store.Read(ctx, KeyParentInfo, 0)
	if err != nil {
		return nil, err
	}
	var info ParentInfo
	if err := decode(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveParentInfo persists info with save-coalescing.
func (s *Settings) SaveParentInfo(ctx context.Context, info ParentInfo) error {
	encoded := encode(info)
	if prev, err := s.store.Read(ctx, KeyParentInfo, 0); err == nil && bytes.Equal(prev, encoded) {
		return nil
	}
	return s.store.Save(ctx, KeyParentInfo, encoded)
}

// DeleteParentInfo removes the persisted ParentInfo record.
func (s *Settings) DeleteParentInfo(ctx context.Context) error {
	return s.store.DeleteAll(ctx, KeyParentInfo)
}

// AddChildInfo appends a ChildInfo record to the child-info list (spec
// §4.11 "add (append variant for lists)").
func (s *Settings) AddChildInfo(ctx context.Context, info ChildInfo) error {
	return s.store.Add(ctx, KeyChildInfo, encode(info))
}

// ChildInfos returns every persisted ChildInfo record.
func (s *Settings) ChildInfos(ctx context.Context) ([]ChildInfo, error) {
	var out []ChildInfo
	for i := 0; ; i++ {
		raw, err := s.store.Read(ctx, KeyChildInfo, i)
		if err != nil {
			break
		}
		var info ChildInfo
		if err := decode(raw, &info); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteChildInfo removes every persisted ChildInfo record.
func (s *Settings) DeleteChildInfo(ctx context.Context) error {
	return s.store.DeleteAll(ctx, KeyChildInfo)
}

// SaveOperationalDataset persists either the Active or Pending dataset
// blob (opaque TLV bytes; spec §4.11).
func (s *Settings) SaveOperationalDataset(ctx context.Context, active bool, dataset []byte) error {
	key := KeyPendingDataset
	if active {
		key = KeyActiveDataset
	}
	if prev, err := s.store.Read(ctx, key, 0); err == nil && bytes.Equal(prev, dataset) {
		return nil
	}
	return s.store.Save(ctx, key, dataset)
}

// ReadOperationalDataset loads either the Active or Pending dataset blob.
func (s *Settings) ReadOperationalDataset(ctx context.Context, active bool) ([]byte, error) {
	key := KeyPendingDataset
	if active {
		key = KeyActiveDataset
	}
	return s.store.Read(ctx, key, 0)
}

// DeleteOperationalDataset removes either dataset blob.
func (s *Settings) DeleteOperationalDataset(ctx context.Context, active bool) error {
	key := KeyPendingDataset
	if active {
		key = KeyActiveDataset
	}
	return s.store.DeleteAll(ctx, key)
}

// Wipe erases every settings record.
func (s *Settings) Wipe(ctx context.Context) error {
	if err := s.store.Wipe(ctx); err != nil {
		return err
	}
	s.log.Info().Msg("settings: wiped all non-volatile info")
	return nil
}

// encode/decode use a fixed-width binary layout rather than a generic
// serialization library: every settings record here is a small,
// fixed-field struct of fixed-size arrays and integers, so
// encoding/binary's reflection-based struct walk is both sufficient and
// exactly what the backward/forward-compatibility rule in settings.hpp
// describes (read code must tolerate a longer or shorter stored value).
func encode(v interface{}) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, v)
	return buf.Bytes()
}

func decode(raw []byte, v interface{}) error {
	if need := binary.Size(v); need > len(raw) {
		// A shorter stored record reads its missing trailing fields as zero.
		raw = append(append([]byte(nil), raw...), make([]byte, need-len(raw))...)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, v); err != nil {
		return fmt.Errorf("settings: decode: %w", meshcore.ErrParse)
	}
	return nil
}

// MemoryStore is an in-process Store backed by maps, for tests and
// for devices with no durable settings backend.
type MemoryStore struct {
	single map[Key][]byte
	lists  map[Key][][]byte
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		single: make(map[Key][]byte),
		lists:  make(map[Key][][]byte),
	}
}

func (m *MemoryStore) Read(_ context.Context, key Key, index int) ([]byte, error) {
	if list, ok := m.lists[key]; ok {
		if index < 0 || index >= len(list) {
			return nil, meshcore.ErrNotFound
		}
		return list[index], nil
	}
	if v, ok := m.single[key]; ok && index == 0 {
		return v, nil
	}
	return nil, meshcore.ErrNotFound
}

func (m *MemoryStore) Save(_ context.Context, key Key, value []byte) error {
	m.single[key] = value
	return nil
}

func (m *MemoryStore) Add(_ context.Context, key Key, value []byte) error {
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key, index int) error {
	list, ok := m.lists[key]
	if !ok || index < 0 || index >= len(list) {
		return meshcore.ErrNotFound
	}
	m.lists[key] = append(list[:index], list[index+1:]...)
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context, key Key) error {
	delete(m.single, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryStore) Wipe(_ context.Context) error {
	m.single = make(map[Key][]byte)
	m.lists = make(map[Key][][]byte)
	return nil
}

// PostgresStore persists settings records in a Postgres table keyed by
// (key, index), for devices running with a durable backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("settings: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("settings: ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Read(ctx context.Context, key Key, index int) ([]byte, error) {
	var value []byte
	row := p.db.QueryRowContext(ctx,
		`SELECT value FROM mesh_settings WHERE key = $1 AND idx = $2`, key, index)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, meshcore.ErrNotFound
		}
		return nil, fmt.Errorf("settings: read: %w", err)
	}
	return value, nil
}

func (p *PostgresStore) Save(ctx context.Context, key Key, value []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mesh_settings (key, idx, value) VALUES ($1, 0, $2)
		 ON CONFLICT (key, idx) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

func (p *PostgresStore) Add(ctx context.Context, key Key, value []byte) error {
	var nextIdx int
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM mesh_settings WHERE key = $1`, key)
	if err := row.Scan(&nextIdx); err != nil {
		return fmt.Errorf("settings: add: %w", err)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mesh_settings (key, idx, value) VALUES ($1, $2, $3)`, key, nextIdx, value)
	if err != nil {
		return fmt.Errorf("settings: add: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key Key, index int) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM mesh_settings WHERE key = $1 AND idx = $2`, key, index)
	if err != nil {
		return fmt.Errorf("settings: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return meshcore.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteAll(ctx context.Context, key Key) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM mesh_settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("settings: delete all: %w", err)
	}
	return nil
}

func (p *PostgresStore) Wipe(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `TRUNCATE TABLE mesh_settings`)
	if err != nil {
		return fmt.Errorf("settings: wipe: %w", err)
	}
	return nil
}
