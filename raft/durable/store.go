// Package durable implements the §6 "persisted state" contract: the small
// atomic-write metadata record (term, vote, configs, leader identity, vote
// history) plus the independent persistent-vars record. It is adapted from
// the teacher's raft/wal encoder/decoder/crc machinery (gob marshal +
// crc32-Castagnoli checksum) but is deliberately NOT a segmented,
// compacting write-ahead log: the on-disk format and I/O scheduling of the
// actual operation log is an external collaborator per spec §1 and stays
// out of scope. This store only ever holds one record of small, bounded
// size, so a whole-file rewrite is the right durability primitive, mirrored
// on the teacher's own rename-based rollover in utils/log/log.go.
package durable

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/proto"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is the consensus-metadata record of §6.
type Record struct {
	CurrentTerm      uint64
	VotedFor         *uuid.UUID
	CommittedConfig  *conf.RaftConfig
	PendingConfig    *conf.RaftConfig
	LeaderUUID       *uuid.UUID
	LastKnownLeader  raftpd.LastKnownLeader
	VoteHistory      map[uint64]raftpd.VoteHistoryEntry
	LastPrunedTerm   uint64
	RemovedPeers     []uuid.UUID
}

// Vars is the independent persistent-vars record of §6.
type Vars struct {
	AllowStartElection bool
	RPCToken           *string
}

// MetadataStore persists Record and Vars durably, each write taking effect
// atomically via a temp-file-then-rename sequence before it is treated as
// observable, per §4.1's "durable write barrier".
type MetadataStore struct {
	dir string
}

// Open returns a MetadataStore rooted at dir, creating dir if necessary.
func Open(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("durable: create dir: %w", err)
	}
	return &MetadataStore{dir: dir}, nil
}

func (s *MetadataStore) recordPath() string { return filepath.Join(s.dir, "consensus-meta") }
func (s *MetadataStore) varsPath() string   { return filepath.Join(s.dir, "consensus-vars") }

// Save persists rec durably, replacing whatever was there before.
func (s *MetadataStore) Save(rec *Record) error {
	return atomicWrite(s.recordPath(), rec)
}

// Load reads the last durably-saved Record. Returns a zero Record and no
// error if nothing has ever been saved.
func (s *MetadataStore) Load() (*Record, error) {
	rec := &Record{}
	ok, err := atomicRead(s.recordPath(), rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rec, nil
	}
	return rec, nil
}

// SaveVars persists vars durably, independently of Save/Load's record.
func (s *MetadataStore) SaveVars(vars *Vars) error {
	return atomicWrite(s.varsPath(), vars)
}

// LoadVars reads the last durably-saved Vars.
func (s *MetadataStore) LoadVars() (*Vars, error) {
	vars := &Vars{}
	_, err := atomicRead(s.varsPath(), vars)
	return vars, err
}

type frame struct {
	Crc  uint32
	Data []byte
}

func atomicWrite(path string, v interface{}) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return fmt.Errorf("durable: encode: %w", err)
	}

	var wire bytes.Buffer
	f := frame{Crc: crc32.Checksum(payload.Bytes(), crcTable), Data: payload.Bytes()}
	if err := gob.NewEncoder(&wire).Encode(&f); err != nil {
		return fmt.Errorf("durable: encode frame: %w", err)
	}

	tmp := path + ".tmp"
	fd, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("durable: open temp: %w", err)
	}
	if _, err := fd.Write(wire.Bytes()); err != nil {
		fd.Close()
		return fmt.Errorf("durable: write: %w", err)
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return fmt.Errorf("durable: fsync: %w", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("durable: close: %w", err)
	}
	// rename is the durability barrier: the write becomes observable only
	// once this succeeds, matching the teacher's rename-based rollover.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("durable: rename: %w", err)
	}
	return nil
}

func atomicRead(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("durable: read: %w", err)
	}
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return false, fmt.Errorf("durable: decode frame: %w", err)
	}
	if crc32.Checksum(f.Data, crcTable) != f.Crc {
		return false, fmt.Errorf("durable: %w", errCorrupt)
	}
	if err := gob.NewDecoder(bytes.NewReader(f.Data)).Decode(v); err != nil {
		return false, fmt.Errorf("durable: decode payload: %w", err)
	}
	return true, nil
}

var errCorrupt = fmt.Errorf("checksum mismatch")
