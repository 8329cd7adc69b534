package baseline

import (
	"fmt"
	"path/filepath"
	"strings"

	"fimcheck/utils"
)

// IdentityPolicy decides which key ties a file on disk to its record.
//
// PolicyPath keys on the canonical absolute path and suits a single machine
// where paths are stable. PolicyBasename keys on the file name alone, which
// is what an upload-style caller retains between requests; two different
// files with the same name collide and the later generate wins.
type IdentityPolicy string

const (
	PolicyPath     IdentityPolicy = "path"
	PolicyBasename IdentityPolicy = "basename"
)

// ParseIdentityPolicy accepts "path" or "basename"; empty means path.
func ParseIdentityPolicy(value string) (IdentityPolicy, error) {
	switch IdentityPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyPath:
		return PolicyPath, nil
	case PolicyBasename:
		return PolicyBasename, nil
	default:
		return "", fmt.Errorf("invalid identity policy: %s", value)
	}
}

// Matcher maps paths to identities and looks records up by identity.
type Matcher struct {
	Policy IdentityPolicy
}

func NewMatcher(policy IdentityPolicy) Matcher {
	if policy == "" {
		policy = PolicyPath
	}
	return Matcher{Policy: policy}
}

// Identity derives the matching key for path.
func (m Matcher) Identity(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path")
	}
	switch m.Policy {
	case PolicyBasename:
		name := filepath.Base(filepath.Clean(path))
		if name == "." || name == string(filepath.Separator) {
			return "", fmt.Errorf("path %q has no file name", path)
		}
		return name, nil
	default:
		return utils.CanonicalPath(path)
	}
}

// Find returns the record in c whose identity equals identity. c must be the
// caller's own tenant collection; Find never looks beyond it.
func (m Matcher) Find(identity string, c *Collection) (Record, bool) {
	return c.Get(identity)
}
