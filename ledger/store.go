package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// Store is the persistence collaborator of the engine.
type Store interface {
	// Persist stores a newly finalized record. It is called exactly once per record.
	Persist(rec protocol.FinalizedRecord) error
	// LoadChain returns the stored records, oldest first.
	LoadChain() ([]protocol.FinalizedRecord, error)
	// Truncate drops every record above height, after a fork rollback.
	Truncate(height uint64) error
}

const chainFile = "chain.jsonl"

// FileStore keeps the chain as one JSON document per line in a data directory.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dataDir, chainFile)}, nil
}

func (s *FileStore) Persist(rec protocol.FinalizedRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open chain file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) LoadChain() ([]protocol.FinalizedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() ([]protocol.FinalizedRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}
	var out []protocol.FinalizedRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize*2)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec protocol.FinalizedRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func (s *FileStore) Truncate(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	if uint64(len(records)) <= height {
		return nil
	}
	var buf bytes.Buffer
	for _, rec := range records[:height] {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write chain file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore keeps the chain in memory.
type MemoryStore struct {
	mu       sync.Mutex
	records  []protocol.FinalizedRecord
	persists int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Persist(rec protocol.FinalizedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.persists++
	return nil
}

func (s *MemoryStore) LoadChain() ([]protocol.FinalizedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.FinalizedRecord(nil), s.records...), nil
}

func (s *MemoryStore) Truncate(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.records)) > height {
		s.records = s.records[:height]
	}
	return nil
}

// Persists counts the calls to Persist.
func (s *MemoryStore) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}
