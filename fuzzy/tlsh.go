package fuzzy

import (
	"bufio"
	"fmt"
	"os"

	"github.com/glaslos/tlsh"
)

// TLSHMinSize is the smallest input TLSH will digest.
const TLSHMinSize = 50

type TLSHHasher struct{}

func (h TLSHHasher) Name() string {
	return "tlsh"
}

func (h TLSHHasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	hash, err := tlsh.HashReader(reader)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// Distance returns the TLSH difference score; 0 means near-identical.
func (h TLSHHasher) Distance(a, b string) (int, error) {
	left, err := tlsh.ParseStringToTlsh(a)
	if err != nil {
		return 0, fmt.Errorf("parse tlsh %q: %w", a, err)
	}
	right, err := tlsh.ParseStringToTlsh(b)
	if err != nil {
		return 0, fmt.Errorf("parse tlsh %q: %w", b, err)
	}
	return left.Diff(right), nil
}

func init() {
	Register(TLSHHasher{})
}
