// Package tokencache persists per-network authentication credentials across
// runs. Each network gets one JSON file under a caller-supplied directory;
// records carry an absolute expiry and are purged on read once stale, so a
// fetcher that finds a record can use it without re-checking freshness.
package tokencache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/schema"
)

// expiryBuffer is subtracted from a token's advertised lifetime so a token
// is never presented moments before the issuer invalidates it. Lifetimes
// shorter than the buffer still get a minimal validity window.
const expiryBuffer = 60 * time.Second

// Record is one cached credential. Extras carries issuer-specific fields
// (refresh tokens, account ids) flattened into the same JSON object.
type Record struct {
	Token     string
	TokenType string
	ExpiresAt int64
	CreatedAt int64
	Network   schema.Network
	Extras    map[string]string
}

// Expired reports whether the record is stale at the given instant.
func (r Record) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// reservedKeys are the Record fields serialized under fixed names; extras
// may not shadow them.
var reservedKeys = map[string]bool{
	"token":      true,
	"token_type": true,
	"expires_at": true,
	"created_at": true,
	"network":    true,
}

// MarshalJSON flattens Extras into the top-level object alongside the fixed
// fields, matching the on-disk layout other tooling reads.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extras)+5)
	for k, v := range r.Extras {
		if !reservedKeys[k] {
			m[k] = v
		}
	}
	m["token"] = r.Token
	m["token_type"] = r.TokenType
	m["expires_at"] = r.ExpiresAt
	m["created_at"] = r.CreatedAt
	m["network"] = string(r.Network)
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON: fixed fields by name, every
// other key into Extras.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	rec := Record{}
	for k, v := range m {
		switch k {
		case "token":
			rec.Token, _ = v.(string)
		case "token_type":
			rec.TokenType, _ = v.(string)
		case "expires_at":
			n, err := schema.CoerceInt(v)
			if err != nil {
				return fmt.Errorf("token record expires_at: %w", err)
			}
			rec.ExpiresAt = n
		case "created_at":
			n, err := schema.CoerceInt(v)
			if err != nil {
				return fmt.Errorf("token record created_at: %w", err)
			}
			rec.CreatedAt = n
		case "network":
			s, _ := v.(string)
			rec.Network = schema.Network(s)
		default:
			if rec.Extras == nil {
				rec.Extras = map[string]string{}
			}
			rec.Extras[k] = fmt.Sprint(v)
		}
	}
	if rec.Token == "" {
		return errors.New("token record missing token")
	}
	*r = rec
	return nil
}

// Config configures a Store.
type Config struct {
	Logger *slog.Logger
	Dir    string

	// Clock is the time source, defaulting to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is a file-backed credential cache with an in-process memo so that
// repeated reads within one run hit the disk once. Safe for concurrent use.
type Store struct {
	log   *slog.Logger
	dir   string
	clock clockwork.Clock

	mu  sync.Mutex
	mem map[schema.Network]Record
}

// New creates the cache directory if needed and returns a Store over it.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tokencache config: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return &Store{
		log:   cfg.Logger,
		dir:   cfg.Dir,
		clock: cfg.Clock,
		mem:   make(map[schema.Network]Record),
	}, nil
}

func (s *Store) path(network schema.Network) string {
	return filepath.Join(s.dir, string(network)+"_token.json")
}

// Get returns the cached record for a network, or absent when none exists.
// Expired and corrupt records are purged before reporting absent. The error
// return fires only on permission failures; a missing key is never an error.
func (s *Store) Get(network schema.Network) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if rec, ok := s.mem[network]; ok {
		if !rec.Expired(now) {
			return rec, true, nil
		}
		delete(s.mem, network)
	}

	data, err := os.ReadFile(s.path(network))
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Record{}, false, fmt.Errorf("read token for %s: %w", network, err)
		}
		return Record{}, false, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("tokencache: purging corrupt record", "network", network, "error", err)
		s.purgeLocked(network)
		return Record{}, false, nil
	}
	if rec.Expired(now) {
		s.log.Debug("tokencache: purging expired record", "network", network, "expires_at", rec.ExpiresAt)
		s.purgeLocked(network)
		return Record{}, false, nil
	}

	s.mem[network] = rec
	return rec, true, nil
}

// Put caches a credential for a network. The stored expiry is
// now + max(expiresIn − 60s, 60s), guarding against clock skew and callers
// that hold the token briefly before using it. The write is a temp file
// rename so concurrent processes never observe a torn record.
func (s *Store) Put(network schema.Network, token, tokenType string, expiresIn time.Duration, extras map[string]string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ttl := expiresIn - expiryBuffer
	if ttl < expiryBuffer {
		ttl = expiryBuffer
	}
	rec := Record{
		Token:     token,
		TokenType: tokenType,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Unix(),
		Network:   network,
		Extras:    extras,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("encode token for %s: %w", network, err)
	}

	tmp, err := os.CreateTemp(s.dir, string(network)+"_token.*.tmp")
	if err != nil {
		return Record{}, fmt.Errorf("create temp token file for %s: %w", network, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Record{}, fmt.Errorf("write token for %s: %w", network, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Record{}, fmt.Errorf("close token file for %s: %w", network, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return Record{}, fmt.Errorf("chmod token file for %s: %w", network, err)
	}
	if err := os.Rename(tmpName, s.path(network)); err != nil {
		os.Remove(tmpName)
		return Record{}, fmt.Errorf("rename token file for %s: %w", network, err)
	}

	s.mem[network] = rec
	s.log.Debug("tokencache: stored record", "network", network, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Delete removes a network's cached credential from disk and memory. Used
// when an issuer rejects a token before its recorded expiry.
func (s *Store) Delete(network schema.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(network)
}

func (s *Store) purgeLocked(network schema.Network) error {
	delete(s.mem, network)
	if err := os.Remove(s.path(network)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete token for %s: %w", network, err)
	}
	return nil
}

// List returns every live record in the cache directory, sorted by network.
// Expired and corrupt files are purged as they are encountered.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}

	now := s.clock.Now()
	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.Network == "" {
			s.log.Warn("tokencache: skipping corrupt record", "file", name, "error", err)
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if rec.Expired(now) {
			s.purgeLocked(rec.Network)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Network < records[j].Network })
	return records, nil
}
