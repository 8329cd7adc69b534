package baseline

import (
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"fimcheck/hasher"
)

// Record is the trusted snapshot of one file's digests.
type Record struct {
	Identity   string         `json:"identity"`
	Path       string         `json:"path"`
	Digests    hasher.Digests `json:"digests"`
	CreatedAt  time.Time      `json:"created_at"`
	Size       int64          `json:"size"`
	ModTime    time.Time      `json:"mod_time,omitzero"`
	ChangeTime time.Time      `json:"change_time,omitzero"`
	MimeType   string         `json:"mime_type,omitempty"`
	Similarity string         `json:"similarity,omitempty"`
}

// Algorithms returns the algorithms this record carries, canonical order.
func (r Record) Algorithms() []string {
	return r.Digests.Names()
}

// Validate checks the invariants a stored record must satisfy.
func (r Record) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("record has empty identity")
	}
	if len(r.Digests) == 0 {
		return fmt.Errorf("record %q has no digests", r.Identity)
	}
	for name, value := range r.Digests {
		if err := hasher.Validate([]string{name}); err != nil {
			return fmt.Errorf("record %q: %w", r.Identity, err)
		}
		if value == "" {
			return fmt.Errorf("record %q: empty %s digest", r.Identity, name)
		}
		if _, err := hex.DecodeString(value); err != nil {
			return fmt.Errorf("record %q: %s digest is not hex", r.Identity, name)
		}
	}
	return nil
}

func (r Record) clone() Record {
	out := r
	out.Digests = make(hasher.Digests, len(r.Digests))
	for k, v := range r.Digests {
		out.Digests[k] = v
	}
	return out
}

// Collection is one tenant's set of records. At most one record exists per
// identity.
type Collection struct {
	Tenant  string
	Records []Record
}

// NewCollection returns an empty collection for tenant.
func NewCollection(tenant string) *Collection {
	return &Collection{Tenant: tenant, Records: []Record{}}
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// Get returns the record stored under identity.
func (c *Collection) Get(identity string) (Record, bool) {
	if c == nil {
		return Record{}, false
	}
	for _, rec := range c.Records {
		if rec.Identity == identity {
			return rec, true
		}
	}
	return Record{}, false
}

// Replace drops any record with the same identity and appends rec.
func (c *Collection) Replace(rec Record) {
	c.Records = slices.DeleteFunc(c.Records, func(existing Record) bool {
		return existing.Identity == rec.Identity
	})
	c.Records = append(c.Records, rec)
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	out := NewCollection(c.Tenant)
	for _, rec := range c.Records {
		out.Records = append(out.Records, rec.clone())
	}
	return out
}

// Validate checks every record and the one-record-per-identity invariant.
func (c *Collection) Validate() error {
	seen := make(map[string]struct{}, len(c.Records))
	for _, rec := range c.Records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, dup := seen[rec.Identity]; dup {
			return fmt.Errorf("duplicate record for identity %q", rec.Identity)
		}
		seen[rec.Identity] = struct{}{}
	}
	return nil
}
