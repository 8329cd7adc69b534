package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeDigestsKnownVectors(t *testing.T) {
	hashes, err := ComputeDigests(strings.NewReader("hello world"), []string{"md5", "sha1", "sha256"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if hashes["md5"] != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5 mismatch: %s", hashes["md5"])
	}
	if hashes["sha1"] != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("sha1 mismatch: %s", hashes["sha1"])
	}
	if hashes["sha256"] != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
}

func TestComputeDigestsExtendedAlgorithms(t *testing.T) {
	hashes, err := ComputeDigests(strings.NewReader("abc"), []string{"SHA512", " blake3 ", "sha256"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if hashes["sha256"] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
	if hashes["sha512"] != "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f" {
		t.Errorf("sha512 mismatch: %s", hashes["sha512"])
	}
	if hashes["blake3"] != "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85" {
		t.Errorf("blake3 mismatch: %s", hashes["blake3"])
	}
	if got := hashes.Names(); strings.Join(got, ",") != "sha256,sha512,blake3" {
		t.Errorf("unexpected canonical order: %v", got)
	}
}

func TestComputeDigestsUnsupported(t *testing.T) {
	_, err := ComputeDigests(strings.NewReader("x"), []string{"md5", "unknown"})
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := ComputeDigests(strings.NewReader("x"), nil); !errors.Is(err, ErrNoAlgorithms) {
		t.Fatalf("expected ErrNoAlgorithms, got %v", err)
	}
}

type failingReader struct {
	sent bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("device error")
}

func TestComputeDigestsReadError(t *testing.T) {
	_, err := ComputeDigests(&failingReader{}, DefaultAlgorithms)
	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if !strings.Contains(err.Error(), "device error") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestComputeDigestsMultiChunk(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), (3*ChunkSize)/16+7)
	hashes, err := ComputeDigests(bytes.NewReader(data), []string{"sha256"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	sum := sha256.Sum256(data)
	if hashes["sha256"] != hex.EncodeToString(sum[:]) {
		t.Fatalf("multi-chunk digest mismatch")
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize([]string{"sha256", "MD5", "sha256", "", "sha1"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Join(got, ",") != "md5,sha1,sha256" {
		t.Fatalf("unexpected normalized set: %v", got)
	}
	if len(Supported()) != 5 {
		t.Fatalf("unexpected supported list: %v", Supported())
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	fd, err := HashFile(path, DefaultAlgorithms)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if fd.Size != 3 {
		t.Fatalf("expected size 3, got %d", fd.Size)
	}
	if string(fd.Head) != "abc" {
		t.Fatalf("unexpected head: %q", fd.Head)
	}
	if fd.Digests["sha256"] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256 mismatch: %s", fd.Digests["sha256"])
	}
}

func TestHashFileHeadIsBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, ChunkSize+10), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fd, err := HashFile(path, []string{"md5"})
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if len(fd.Head) != HeadSize {
		t.Fatalf("expected head of %d bytes, got %d", HeadSize, len(fd.Head))
	}
	if fd.Size != ChunkSize+10 {
		t.Fatalf("unexpected size %d", fd.Size)
	}
}

func TestHashFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := HashFile(filepath.Join(dir, "missing"), DefaultAlgorithms)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	_, err = HashFile(dir, DefaultAlgorithms)
	if !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular for directory, got %v", err)
	}
	_, err = HashFile(filepath.Join(dir, "missing"), []string{"whirlpool"})
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected unsupported algorithm before open, got %v", err)
	}
}
