package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// RegexPrefix marks a pattern as a regular expression. Regexes match the
// slash-separated path relative to the walk root.
const RegexPrefix = "re:"

type pathPattern struct {
	glob     string
	anchored bool
	re       *regexp.Regexp
}

// match reports whether rel, a slash-separated relative path, matches. Globs
// containing a slash match the whole relative path; others match the base
// name only.
func (p pathPattern) match(rel string) bool {
	if p.re != nil {
		return p.re.MatchString(rel)
	}
	target := path.Base(rel)
	if p.anchored {
		target = rel
	}
	matched, _ := path.Match(p.glob, target)
	return matched
}

func compilePatterns(patterns []string) ([]pathPattern, error) {
	compiled := make([]pathPattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(raw, RegexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", raw, err)
			}
			compiled = append(compiled, pathPattern{re: re})
			continue
		}
		glob := strings.Trim(filepath.ToSlash(raw), "/")
		if _, err := path.Match(glob, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", raw, err)
		}
		compiled = append(compiled, pathPattern{glob: glob, anchored: strings.Contains(glob, "/")})
	}
	return compiled, nil
}

func matchAny(patterns []pathPattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if p.match(rel) {
			return true
		}
	}
	return false
}

// PatternMatcher selects files for a folder baseline. A file is taken when it
// matches an include pattern (or no includes are set) and no exclude pattern.
type PatternMatcher struct {
	include []pathPattern
	exclude []pathPattern
}

func NewPatternMatcher(includePatterns, excludePatterns []string) (*PatternMatcher, error) {
	include, err := compilePatterns(includePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(excludePatterns)
	if err != nil {
		return nil, err
	}
	return &PatternMatcher{include: include, exclude: exclude}, nil
}

// ShouldInclude reports whether the file at rel belongs in the baseline.
func (m *PatternMatcher) ShouldInclude(rel string) bool {
	if m == nil {
		return true
	}
	if len(m.include) > 0 && !matchAny(m.include, rel) {
		return false
	}
	return !m.Excluded(rel)
}

// Excluded reports whether rel matches an exclude pattern. Walkers use it to
// prune whole directories.
func (m *PatternMatcher) Excluded(rel string) bool {
	if m == nil {
		return false
	}
	return matchAny(m.exclude, rel)
}
