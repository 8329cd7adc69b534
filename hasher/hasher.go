package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

const (
	// ChunkSize bounds memory per hash regardless of file size.
	ChunkSize = 64 * 1024
	// HeadSize is how much of the stream is kept for content sniffing.
	HeadSize = 262
)

// DefaultAlgorithms is the advertised digest set every record carries unless
// the operator configures otherwise.
var DefaultAlgorithms = []string{"md5", "sha1", "sha256"}

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrNoAlgorithms         = errors.New("no hash algorithms requested")
	ErrNotRegular           = errors.New("not a regular file")
)

// ReadError reports a failure while reading the stream being hashed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read failed: %v", e.Err)
	}
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Digests maps algorithm name to lowercase hex digest.
type Digests map[string]string

type algorithm struct {
	rank int
	new  func() hash.Hash
}

var algorithms = map[string]algorithm{
	"md5":    {rank: 0, new: md5.New},
	"sha1":   {rank: 1, new: sha1.New},
	"sha256": {rank: 2, new: sha256.New},
	"sha512": {rank: 3, new: sha512.New},
	"blake3": {rank: 4, new: func() hash.Hash { return blake3.New(32, nil) }},
}

var chunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// Supported lists every implemented algorithm in canonical order.
func Supported() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sortCanonical(names)
	return names
}

// Normalize lowercases, de-duplicates and validates the requested names and
// returns them in canonical order.
func Normalize(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		if _, ok := algorithms[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, ErrNoAlgorithms
	}
	sortCanonical(out)
	return out, nil
}

// Validate reports whether every name is implemented.
func Validate(names []string) error {
	_, err := Normalize(names)
	return err
}

// Names returns the algorithms present in d in canonical order.
func (d Digests) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sortCanonical(names)
	return names
}

// ComputeDigests reads r to EOF once, feeding every requested algorithm from
// the same chunk.
func ComputeDigests(r io.Reader, names []string) (Digests, error) {
	normalized, err := Normalize(names)
	if err != nil {
		return nil, err
	}

	hashers := make([]hash.Hash, len(normalized))
	writers := make([]io.Writer, len(normalized))
	for i, name := range normalized {
		hashers[i] = algorithms[name].new()
		writers[i] = hashers[i]
	}
	sink := io.MultiWriter(writers...)

	bufPtr := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufPtr)
	buf := *bufPtr
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			// hash.Hash.Write never returns an error
			_, _ = sink.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, &ReadError{Err: readErr}
		}
	}

	digests := make(Digests, len(normalized))
	for i, name := range normalized {
		digests[name] = hex.EncodeToString(hashers[i].Sum(nil))
	}
	return digests, nil
}

// FileDigest is the result of hashing one file on disk.
type FileDigest struct {
	Path    string
	Digests Digests
	Size    int64
	// Head holds the first HeadSize bytes, captured in the same pass.
	Head []byte
}

// HashFile opens path and hashes it. A missing file returns an error wrapping
// fs.ErrNotExist; any other open or read failure is a *ReadError.
func HashFile(path string, names []string) (*FileDigest, error) {
	if err := Validate(names); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return nil, &ReadError{Path: path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}

	head := &headBuffer{limit: HeadSize}
	counter := &countingReader{r: io.TeeReader(file, head)}
	digests, err := ComputeDigests(counter, names)
	if err != nil {
		var readErr *ReadError
		if errors.As(err, &readErr) {
			readErr.Path = path
		}
		return nil, err
	}
	return &FileDigest{
		Path:    path,
		Digests: digests,
		Size:    counter.n,
		Head:    head.buf,
	}, nil
}

type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sortCanonical(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return algorithms[names[i]].rank < algorithms[names[j]].rank
	})
}
