package baseline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fimcheck/hasher"
)

func TestRecordValidate(t *testing.T) {
	good := testRecord("a.txt")
	if err := good.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	cases := map[string]Record{
		"empty identity": {Digests: hasher.Digests{"md5": abcMD5}},
		"no digests":     {Identity: "a"},
		"unknown algo":   {Identity: "a", Digests: hasher.Digests{"crc32": "deadbeef"}},
		"non hex":        {Identity: "a", Digests: hasher.Digests{"md5": "zz"}},
		"empty value":    {Identity: "a", Digests: hasher.Digests{"md5": ""}},
	}
	for name, rec := range cases {
		if err := rec.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestCollectionReplaceAndClone(t *testing.T) {
	coll := NewCollection("alice")
	coll.Replace(testRecord("a.txt"))
	coll.Replace(testRecord("b.txt"))

	updated := testRecord("a.txt")
	updated.Size = 99
	coll.Replace(updated)

	if coll.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", coll.Len())
	}
	got, ok := coll.Get("a.txt")
	if !ok || got.Size != 99 {
		t.Fatalf("replace did not overwrite: %+v", got)
	}

	clone := coll.Clone()
	clone.Records[0].Digests["md5"] = strings.Repeat("f", 32)
	if coll.Records[0].Digests["md5"] == clone.Records[0].Digests["md5"] {
		t.Fatal("clone shares digest map with original")
	}
}

func TestMatcherIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	byName := NewMatcher(PolicyBasename)
	id, err := byName.Identity(path)
	if err != nil || id != "report.pdf" {
		t.Fatalf("basename identity: %q (%v)", id, err)
	}

	byPath := NewMatcher("")
	if byPath.Policy != PolicyPath {
		t.Fatalf("default policy should be path, got %s", byPath.Policy)
	}
	id, err = byPath.Identity(path)
	if err != nil {
		t.Fatalf("path identity: %v", err)
	}
	if !filepath.IsAbs(id) || filepath.Base(id) != "report.pdf" {
		t.Fatalf("unexpected path identity %q", id)
	}

	// relative and absolute spellings of the same file agree
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	rel, err := filepath.Rel(wd, path)
	if err == nil {
		relID, err := byPath.Identity(rel)
		if err != nil || relID != id {
			t.Fatalf("relative path identity %q != %q (%v)", relID, id, err)
		}
	}

	if _, err := byPath.Identity(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMatcherFindStaysInCollection(t *testing.T) {
	m := NewMatcher(PolicyBasename)
	alice := NewCollection("alice")
	alice.Replace(testRecord("a.txt"))
	if _, ok := m.Find("a.txt", alice); !ok {
		t.Fatal("expected match")
	}
	if _, ok := m.Find("a.txt", NewCollection("bob")); ok {
		t.Fatal("bob's collection must not match alice's record")
	}
	if _, ok := m.Find("a.txt", nil); ok {
		t.Fatal("nil collection must not match")
	}
}

func TestParseIdentityPolicy(t *testing.T) {
	if p, err := ParseIdentityPolicy("BaseName"); err != nil || p != PolicyBasename {
		t.Fatalf("unexpected %s (%v)", p, err)
	}
	if _, err := ParseIdentityPolicy("inode"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestCollectionReplaceNeverDuplicates_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replace keeps one record per identity", prop.ForAll(
		func(names []string) bool {
			coll := NewCollection("alice")
			distinct := map[string]struct{}{}
			for _, name := range names {
				coll.Replace(testRecord(name))
				distinct[name] = struct{}{}
			}
			return coll.Len() == len(distinct) && coll.Validate() == nil
		},
		gen.SliceOf(gen.IntRange(0, 4).Map(func(i int) string {
			return string(rune('a' + i))
		})),
	))

	properties.TestingRun(t)
}

func TestStoreTenantIsolation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("writes to one tenant never show up in another", prop.ForAll(
		func(tenant string, names []string) bool {
			dir, err := os.MkdirTemp("", "fimcheck-store-*")
			if err != nil {
				t.Logf("temp dir: %v", err)
				return true
			}
			defer os.RemoveAll(dir)

			store := NewJSONStore(Options{Path: filepath.Join(dir, "baseline.json")})
			defer store.Close()
			ctx := context.Background()
			tenant = "t-" + tenant
			if err := store.Update(ctx, "observer", func(c *Collection) error {
				c.Replace(testRecord("observer.txt"))
				return nil
			}); err != nil {
				return false
			}
			if err := store.Update(ctx, tenant, func(c *Collection) error {
				for _, name := range names {
					c.Replace(testRecord(name))
				}
				return nil
			}); err != nil {
				return false
			}
			observer, err := store.Load(ctx, "observer")
			if err != nil || observer.Len() != 1 {
				return false
			}
			for _, name := range names {
				if _, leaked := observer.Get(name); leaked {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
