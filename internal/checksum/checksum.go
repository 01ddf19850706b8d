// Package checksum computes the SHA-256 digests used for blob addressing and
// HTTP entity tags.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Writer hashes everything written through it.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (w *Writer) Sum() string { return hex.EncodeToString(w.h.Sum(nil)) }

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// SumReader drains r and returns its digest and length.
func SumReader(r io.Reader) (string, int64, error) {
	w := NewWriter()
	if _, err := io.Copy(w, r); err != nil {
		return "", 0, err
	}
	return w.Sum(), w.Size(), nil
}
