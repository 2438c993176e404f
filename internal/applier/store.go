package applier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/dropDatabas3/clusterstate/internal/state"
)

var (
	keyAuthoritative = []byte("authoritative")
	keyStaged        = []byte("staged")
	keyKnownTerm     = []byte("known_term")
)

// OpenBolt abre (o crea) el store durable del applier en dir/state.db.
func OpenBolt(dir string) (*raftboltdb.BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	s, err := raftboltdb.NewBoltStore(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}
	return s, nil
}

// NewMemoryStore es un store volátil (tests, single-node efímero).
func NewMemoryStore() raft.StableStore { return raft.NewInmemStore() }

func isNotFound(err error) bool {
	// InmemStore no exporta su error; ambos usan el mismo texto.
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || (err != nil && err.Error() == "not found")
}

func loadSnapshot(s raft.StableStore, key []byte) (*state.Snapshot, error) {
	b, err := s.Get(key)
	if isNotFound(err) || (err == nil && len(b) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	snap, err := state.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return &snap, nil
}

func saveSnapshot(s raft.StableStore, key []byte, snap *state.Snapshot) error {
	b, err := state.Encode(*snap)
	if err != nil {
		return err
	}
	if err := s.Set(key, b); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func loadTerm(s raft.StableStore) (uint64, error) {
	t, err := s.GetUint64(keyKnownTerm)
	if isNotFound(err) {
		return 0, nil
	}
	return t, err
}

// stagedRecord es la forma persistida del candidato pendiente.
type stagedRecord struct {
	PublicationID string         `json:"publicationId,omitempty"`
	Snapshot      state.Snapshot `json:"snapshot"`
}

func loadStaged(s raft.StableStore) (*stagedRecord, error) {
	b, err := s.Get(keyStaged)
	if isNotFound(err) || (err == nil && len(b) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load staged: %w", err)
	}
	var rec stagedRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("load staged: %w", err)
	}
	return &rec, nil
}

func saveStaged(s raft.StableStore, rec *stagedRecord) error {
	if rec == nil {
		return s.Set(keyStaged, []byte{})
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.Set(keyStaged, b); err != nil {
		return fmt.Errorf("persist staged: %w", err)
	}
	return nil
}
