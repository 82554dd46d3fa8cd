package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketLatest      = []byte("latest_checkpoint")
)

// record is the bbolt-persisted form of a completed checkpoint. The cookie
// itself stays in its packed wire form so Recover can hand back exactly
// what a replica or a different process would compute via Pack/Unpack.
type record struct {
	Token      string          `json:"token"`
	Kind       types.StoreKind `json:"kind"`
	Cookie     []byte          `json:"cookie"`
	VersionNum uint64          `json:"version"`
	CompletedAt time.Time      `json:"completed_at"`
}

// pending tracks an in-flight checkpoint between BeginCheckpoint and
// CompleteCheckpoint.
type pending struct {
	token   string
	version uint64
}

// Manager coordinates checkpoint lifecycle for both store kinds, persisting
// completed checkpoints and the "latest" pointer in a bbolt catalog
// (spec.md §4.4).
type Manager struct {
	db  *bolt.DB
	log zerolog.Logger

	mu       sync.Mutex
	pending  map[types.StoreKind]*pending
	versions map[types.StoreKind]uint64
}

// Open creates or opens the checkpoint catalog at path.
func Open(path string, log zerolog.Logger) (*Manager, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, gerr.NewIoError(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCheckpoints); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLatest)
		return err
	})
	if err != nil {
		db.Close()
		return nil, gerr.NewIoError(err)
	}
	return &Manager{
		db:       db,
		log:      log,
		pending:  make(map[types.StoreKind]*pending),
		versions: make(map[types.StoreKind]uint64),
	}, nil
}

// Close closes the underlying catalog database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// BeginCheckpoint starts a new checkpoint of the given store kind, returning
// its token. Checkpoint version N for a store kind must complete before
// version N+1 begins (spec.md §4.4 ordering barrier); starting one while
// another is pending for the same kind is rejected.
func (m *Manager) BeginCheckpoint(kind types.StoreKind) (token string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[kind]; ok {
		return "", fmt.Errorf("checkpoint: version %d for %s is still pending completion", p.version, kind)
	}

	m.versions[kind]++
	tok := uuid.NewString()
	m.pending[kind] = &pending{token: tok, version: m.versions[kind]}
	m.log.Info().Str("token", tok).Str("store", kind.String()).Uint64("version", m.versions[kind]).Msg("checkpoint: begin")
	return tok, nil
}

// CompleteCheckpoint finalizes the pending checkpoint identified by token,
// persisting its cookie and advancing the "latest" pointer for its store
// kind.
func (m *Manager) CompleteCheckpoint(token string, coveredAofAddress int64, primaryReplID string, metadata []byte) error {
	m.mu.Lock()
	var kind types.StoreKind
	var version uint64
	found := false
	for k, p := range m.pending {
		if p.token == token {
			kind, version, found = k, p.version, true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("checkpoint: no pending checkpoint with token %q", token)
	}
	delete(m.pending, kind)
	m.mu.Unlock()

	cookie, err := Pack(Cookie{CoveredAofAddress: coveredAofAddress, PrimaryReplID: primaryReplID, Metadata: metadata})
	if err != nil {
		return err
	}

	rec := record{Token: token, Kind: kind, Cookie: cookie, VersionNum: version, CompletedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCheckpoints).Put([]byte(token), data); err != nil {
			return err
		}
		return tx.Bucket(bucketLatest).Put([]byte(kind.String()), []byte(token))
	})
	if err != nil {
		return gerr.NewIoError(err)
	}
	m.log.Info().Str("token", token).Str("store", kind.String()).Uint64("version", version).Msg("checkpoint: complete")
	return nil
}

// Recover returns the cookie for a specific token, or the latest completed
// checkpoint for kind when token is empty.
func (m *Manager) Recover(kind types.StoreKind, token string) (Cookie, error) {
	if token == "" {
		var err error
		token, err = m.latestToken(kind)
		if err != nil {
			return Cookie{}, err
		}
	}

	var rec record
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(token))
		if data == nil {
			return fmt.Errorf("checkpoint: token %q not found", token)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Cookie{}, err
	}
	if rec.Kind != kind {
		return Cookie{}, fmt.Errorf("checkpoint: %w: token %q belongs to store %s, not %s", gerr.ErrUnexpectedCheckpoint, token, rec.Kind, kind)
	}
	return Unpack(rec.Cookie)
}

func (m *Manager) latestToken(kind types.StoreKind) (string, error) {
	var token string
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLatest).Get([]byte(kind.String()))
		if v == nil {
			return fmt.Errorf("checkpoint: no completed checkpoint for store %s", kind)
		}
		token = string(v)
		return nil
	})
	return token, err
}
