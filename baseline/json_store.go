package baseline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"fimcheck/hasher"
	"fimcheck/logger"
)

const (
	formatName    = "fimcheck-baseline"
	formatVersion = 2

	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

type envelope struct {
	Format  string          `json:"format"`
	Version int             `json:"version"`
	Layout  Layout          `json:"layout"`
	Data    json.RawMessage `json:"data"`
	Seal    seal            `json:"seal"`
}

// JSONStore keeps every tenant in one sealed JSON document. Writes go through
// a temp file and a rename, so readers never observe a partial file; the
// read-modify-write cycle is serialized in-process by a mutex and across
// processes by a lock file next to the store.
type JSONStore struct {
	path        string
	layout      Layout
	matcher     Matcher
	sealer      sealer
	lockTimeout time.Duration

	mu   sync.Mutex
	lock *flock.Flock
}

// NewJSONStore builds a store for opts.Path. Nothing touches the disk until
// the first Load or mutation.
func NewJSONStore(opts Options) *JSONStore {
	layout := opts.Layout
	if layout == "" {
		layout = LayoutTenants
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &JSONStore{
		path:        opts.Path,
		layout:      layout,
		matcher:     NewMatcher(opts.Policy),
		sealer:      newSealer(opts.SigningKey),
		lockTimeout: timeout,
		lock:        flock.New(opts.Path + ".lock"),
	}
}

func (s *JSONStore) Load(ctx context.Context, tenant string) (*Collection, error) {
	tenant, err := checkTenant(s.layout, tenant)
	if err != nil {
		return nil, err
	}
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, err
	}
	tenants, err := s.read()
	if err != nil {
		return nil, err
	}
	return collectionFor(tenants, tenant), nil
}

func (s *JSONStore) Save(ctx context.Context, tenant string, c *Collection) error {
	if c == nil {
		return fmt.Errorf("nil collection")
	}
	return s.Update(ctx, tenant, func(current *Collection) error {
		current.Records = c.Clone().Records
		return nil
	})
}

func (s *JSONStore) Update(ctx context.Context, tenant string, fn func(c *Collection) error) error {
	tenant, err := checkTenant(s.layout, tenant)
	if err != nil {
		return err
	}
	unlock, err := s.acquire(ensureContext(ctx))
	if err != nil {
		return err
	}
	defer unlock()

	tenants, err := s.read()
	if err != nil {
		return err
	}
	coll := collectionFor(tenants, tenant)
	if err := fn(coll); err != nil {
		return err
	}
	if err := coll.Validate(); err != nil {
		return fmt.Errorf("refusing to save tenant %q: %w", tenant, err)
	}
	tenants[tenant] = coll.Records
	return s.write(tenants)
}

func (s *JSONStore) Tenants(ctx context.Context) ([]string, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, err
	}
	tenants, err := s.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tenants))
	for name, records := range tenants {
		if len(records) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *JSONStore) Close() error {
	return s.lock.Close()
}

func (s *JSONStore) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.mu.Unlock()
		return nil, writeErr("create store directory", err)
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	ok, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("acquire store lock %s: %w", s.lock.Path(), err)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			logger.Warnf("Failed to release store lock %s: %v", s.lock.Path(), err)
		}
		s.mu.Unlock()
	}, nil
}

// read returns every tenant's records. A missing or blank file is an empty
// store; anything unparseable is ErrStoreCorrupt.
func (s *JSONStore) read() (map[string][]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string][]Record{}, nil
		}
		return nil, fmt.Errorf("read baseline store: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string][]Record{}, nil
	}

	switch trimmed[0] {
	case '[':
		return s.migrateLegacyList(trimmed)
	case '{':
		var probe struct {
			Format string `json:"format"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, corruptf("parse %s: %v", s.path, err)
		}
		if probe.Format == "" {
			return s.migrateLegacyTenants(trimmed)
		}
		return s.decodeEnvelope(trimmed)
	default:
		return nil, corruptf("parse %s: unexpected leading byte %q", s.path, trimmed[0])
	}
}

func (s *JSONStore) decodeEnvelope(data []byte) (map[string][]Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corruptf("parse %s: %v", s.path, err)
	}
	if env.Format != formatName {
		return nil, corruptf("unknown store format %q", env.Format)
	}
	if env.Version != formatVersion {
		return nil, corruptf("unsupported store version %d", env.Version)
	}
	if env.Layout != s.layout {
		return nil, fmt.Errorf("%w: file has %q, configured %q", ErrLayoutMismatch, env.Layout, s.layout)
	}

	var payload bytes.Buffer
	if len(env.Data) > 0 {
		if err := json.Compact(&payload, env.Data); err != nil {
			return nil, corruptf("compact payload: %v", err)
		}
	}
	if err := verifySeal(s.sealer, env.Seal, payload.Bytes()); err != nil {
		return nil, err
	}

	tenants := map[string][]Record{}
	switch env.Layout {
	case LayoutFlat:
		var records []Record
		if err := json.Unmarshal(payload.Bytes(), &records); err != nil {
			return nil, corruptf("decode records: %v", err)
		}
		tenants[DefaultTenant] = records
	default:
		if err := json.Unmarshal(payload.Bytes(), &tenants); err != nil {
			return nil, corruptf("decode tenants: %v", err)
		}
	}
	for tenant, records := range tenants {
		coll := &Collection{Tenant: tenant, Records: records}
		if err := coll.Validate(); err != nil {
			return nil, corruptf("tenant %q: %v", tenant, err)
		}
	}
	return tenants, nil
}

func (s *JSONStore) write(tenants map[string][]Record) error {
	var payload any
	if s.layout == LayoutFlat {
		records := tenants[DefaultTenant]
		if records == nil {
			records = []Record{}
		}
		payload = records
	} else {
		compacted := make(map[string][]Record, len(tenants))
		for tenant, records := range tenants {
			if len(records) > 0 {
				compacted[tenant] = records
			}
		}
		payload = compacted
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return writeErr("encode payload", err)
	}
	env := envelope{
		Format:  formatName,
		Version: formatVersion,
		Layout:  s.layout,
		Data:    data,
		Seal:    seal{Method: s.sealer.method(), Value: s.sealer.sum(data)},
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return writeErr("encode store", err)
	}
	out = append(out, '\n')
	return atomicWrite(s.path, out)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return writeErr("create store directory", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return writeErr("create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return writeErr("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return writeErr("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return writeErr("close temp file", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return writeErr("chmod temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return writeErr("rename temp file", err)
	}
	return nil
}

func collectionFor(tenants map[string][]Record, tenant string) *Collection {
	coll := NewCollection(tenant)
	for _, rec := range tenants[tenant] {
		coll.Records = append(coll.Records, rec.clone())
	}
	return coll
}

// Legacy files predate the envelope: either a bare list of
// {path, md5, sha1, sha256} objects or a map of tenant to such lists with an
// ISO "timestamp". They are migrated in memory; the next save rewrites them.

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func (s *JSONStore) migrateLegacyList(data []byte) (map[string][]Record, error) {
	var entries []map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, corruptf("parse legacy list %s: %v", s.path, err)
	}
	coll, err := s.migrateEntries(DefaultTenant, entries)
	if err != nil {
		return nil, err
	}
	logger.Warnf("Migrating legacy baseline list %s (%d records) to format v%d", s.path, coll.Len(), formatVersion)
	return map[string][]Record{DefaultTenant: coll.Records}, nil
}

func (s *JSONStore) migrateLegacyTenants(data []byte) (map[string][]Record, error) {
	if s.layout == LayoutFlat {
		return nil, fmt.Errorf("%w: legacy tenant map cannot be opened with %q layout", ErrLayoutMismatch, LayoutFlat)
	}
	var raw map[string][]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, corruptf("parse legacy tenant map %s: %v", s.path, err)
	}
	tenants := make(map[string][]Record, len(raw))
	total := 0
	for tenant, entries := range raw {
		coll, err := s.migrateEntries(tenant, entries)
		if err != nil {
			return nil, err
		}
		tenants[tenant] = coll.Records
		total += coll.Len()
	}
	logger.Warnf("Migrating legacy baseline tenant map %s (%d tenants, %d records) to format v%d", s.path, len(tenants), total, formatVersion)
	return tenants, nil
}

func (s *JSONStore) migrateEntries(tenant string, entries []map[string]any) (*Collection, error) {
	coll := NewCollection(tenant)
	for i, entry := range entries {
		path, _ := entry["path"].(string)
		if strings.TrimSpace(path) == "" {
			return nil, corruptf("legacy record %d of tenant %q has no path", i, tenant)
		}
		identity, err := s.matcher.Identity(path)
		if err != nil {
			return nil, corruptf("legacy record %d of tenant %q: %v", i, tenant, err)
		}
		rec := Record{
			Identity: identity,
			Path:     path,
			Digests:  hasher.Digests{},
		}
		for _, name := range hasher.Supported() {
			if value, ok := entry[name].(string); ok && value != "" {
				rec.Digests[name] = strings.ToLower(value)
			}
		}
		if ts, ok := entry["timestamp"].(string); ok {
			rec.CreatedAt = parseLegacyTime(ts)
		}
		if err := rec.Validate(); err != nil {
			return nil, corruptf("legacy record %d of tenant %q: %v", i, tenant, err)
		}
		if _, dup := coll.Get(identity); dup {
			logger.Warnf("Legacy baseline has duplicate identity %q for tenant %q; keeping the later record", identity, tenant)
		}
		coll.Replace(rec)
	}
	return coll, nil
}

// parseLegacyTime reads legacy timestamps. Values without an offset were
// written in the host's local time.
func parseLegacyTime(value string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
