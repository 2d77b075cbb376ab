// Package checksum computes content digests of files and directory trees.
//
// Directory digests cover the contents of every regular file below the root,
// fed to one hash in lexicographic order of their relative paths, so the same
// tree yields the same digest on every host.
package checksum

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/runsync/runsync/internal/util/buffers"
)

// ErrMismatch means content does not match its recorded digest.
var ErrMismatch = errors.New("checksum mismatch")

// Algorithm names a digest.
type Algorithm string

const (
	Adler32 Algorithm = "adler32"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
)

// ParseAlgorithm converts a configured name into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case Adler32, SHA256, SHA512:
		return a, nil
	}
	return "", fmt.Errorf("unknown checksum algorithm %q", s)
}

// Detect infers the algorithm of a recorded digest from its length.
func Detect(digest string) (Algorithm, bool) {
	switch len(digest) {
	case 8:
		return Adler32, true
	case sha256.Size * 2:
		return SHA256, true
	case sha512.Size * 2:
		return SHA512, true
	}
	return "", false
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case Adler32:
		return adler32.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unknown checksum algorithm %q", string(a))
}

// Compare reports whether two digests are equal. An empty digest on either
// side never matches.
func Compare(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return strings.EqualFold(expected, actual)
}

// Engine computes digests with an optional progress hook.
type Engine struct {
	Algorithm Algorithm

	// Progress is called after every block with bytes hashed so far and the
	// total size of the input.
	Progress func(done, total int64)
}

// Compute digests path with algo.
func Compute(ctx context.Context, path string, algo Algorithm) (string, error) {
	e := Engine{Algorithm: algo}
	return e.Compute(ctx, path)
}

// Verify digests path and checks it against expected. The digest is computed
// with the algorithm of expected so copies stay comparable; with no usable
// expected digest, fallback is used and nothing is compared. The computed
// digest is returned in both cases, and with ErrMismatch on a difference.
func Verify(ctx context.Context, path, expected string, fallback Algorithm) (string, error) {
	algo, ok := Detect(expected)
	if !ok {
		algo = fallback
	}
	digest, err := Compute(ctx, path, algo)
	if err != nil {
		return "", err
	}
	if ok && !Compare(expected, digest) {
		return digest, fmt.Errorf("%s: have %s, want %s: %w", path, digest, expected, ErrMismatch)
	}
	return digest, nil
}

// Compute digests a file, or a directory tree, at path.
func (e *Engine) Compute(ctx context.Context, path string) (string, error) {
	algo := e.Algorithm
	if algo == "" {
		algo = SHA512
	}
	h, err := algo.newHash()
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}

	files, total, err := Files(path)
	if err != nil {
		return "", err
	}

	buf := buffers.GetBlockBuffer()
	defer buffers.PutBlockBuffer(buf)

	var done int64
	for _, f := range files {
		n, err := e.hashFile(ctx, h, f, *buf, done, total)
		done += n
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) hashFile(ctx context.Context, h hash.Hash, path string, buf []byte, done, total int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("checksum: read %s: %w", path, err)
	}
	defer f.Close()

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, fmt.Errorf("checksum: read %s: %w", path, err)
		}
		read, err := f.Read(buf)
		if read > 0 {
			h.Write(buf[:read])
			n += int64(read)
			if e.Progress != nil {
				e.Progress(done+n, total)
			}
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("checksum: read %s: %w", path, err)
		}
	}
}

// Files lists the regular files making up path, sorted by path relative to
// it, and their total size. A plain file yields itself.
func Files(path string) ([]string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("checksum: read %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, info.Size(), nil
	}

	type entry struct {
		rel  string
		size int64
	}
	var entries []entry
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("checksum: read %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	files := make([]string, len(entries))
	var total int64
	for i, e := range entries {
		files[i] = filepath.Join(path, filepath.FromSlash(e.rel))
		total += e.size
	}
	return files, total, nil
}
