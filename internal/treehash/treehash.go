// Package treehash computes the SHA-256 tree hash used to content-address
// archived files.
//
// Input is split into 1 MiB chunks, each chunk is hashed with SHA-256, and the
// resulting leaves are reduced pairwise (left to right) until one hash is
// left. An odd leaf at the end of a level is carried up unchanged. For inputs
// of at most one chunk the tree hash equals the plain SHA-256 of the input.
//
// Typical usage:
//
//	h := treehash.New()
//	_, _ = io.Copy(h, f)
//	digest, err := h.HexSum()
package treehash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ChunkSize is the fixed leaf size of the tree.
const ChunkSize = 1 << 20

// ErrEmptyInput is returned when a digest of zero bytes is requested.
var ErrEmptyInput = errors.New("treehash: empty input")

// Hash accumulates leaf hashes from written bytes. It implements io.Writer,
// so callers may feed it with reads of any size.
type Hash struct {
	buf    []byte
	leaves [][sha256.Size]byte
	size   int64
}

// New returns an empty tree hash accumulator.
func New() *Hash {
	return &Hash{buf: make([]byte, 0, ChunkSize)}
}

// Write never fails.
func (h *Hash) Write(p []byte) (int, error) {
	n := len(p)
	h.size += int64(n)
	for len(p) > 0 {
		take := ChunkSize - len(h.buf)
		if take > len(p) {
			take = len(p)
		}
		h.buf = append(h.buf, p[:take]...)
		p = p[take:]
		if len(h.buf) == ChunkSize {
			h.leaves = append(h.leaves, sha256.Sum256(h.buf))
			h.buf = h.buf[:0]
		}
	}
	return n, nil
}

// Size reports how many bytes were written.
func (h *Hash) Size() int64 { return h.size }

// Sum returns the raw tree hash of everything written so far.
func (h *Hash) Sum() ([sha256.Size]byte, error) {
	if h.size == 0 {
		return [sha256.Size]byte{}, ErrEmptyInput
	}
	leaves := make([][sha256.Size]byte, len(h.leaves), len(h.leaves)+1)
	copy(leaves, h.leaves)
	if len(h.buf) > 0 {
		leaves = append(leaves, sha256.Sum256(h.buf))
	}
	return Reduce(leaves), nil
}

// HexSum returns the lowercase hex encoding of Sum.
func (h *Hash) HexSum() (string, error) {
	sum, err := h.Sum()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// Reduce folds the leaves into the tree root. The slice is used as scratch
// space and must not be empty.
func Reduce(level [][sha256.Size]byte) [sha256.Size]byte {
	var pair [2 * sha256.Size]byte
	for len(level) > 1 {
		w := 0
		for i := 0; i+1 < len(level); i += 2 {
			copy(pair[:sha256.Size], level[i][:])
			copy(pair[sha256.Size:], level[i+1][:])
			level[w] = sha256.Sum256(pair[:])
			w++
		}
		if len(level)%2 == 1 {
			level[w] = level[len(level)-1]
			w++
		}
		level = level[:w]
	}
	return level[0]
}

// Digest reads r to EOF and returns its hex tree hash.
func Digest(r io.Reader) (string, error) {
	h := New()
	if _, err := io.CopyBuffer(h, r, make([]byte, ChunkSize)); err != nil {
		return "", err
	}
	return h.HexSum()
}

// Sum returns the hex tree hash of data.
func Sum(data []byte) (string, error) {
	h := New()
	_, _ = h.Write(data)
	return h.HexSum()
}
