package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
)

// Digest accumulates a content identity over numeric artifacts. Floats are
// hashed by their IEEE-754 bits so identical inputs always hash identically.
type Digest struct {
	h   hash.Hash
	buf [8]byte
}

// NewDigest starts a digest domain-separated by tag
func NewDigest(tag string) *Digest {
	d := &Digest{h: sha256.New()}
	d.Text(tag)
	return d
}

// Int adds n
func (d *Digest) Int(n int) *Digest {
	binary.LittleEndian.PutUint64(d.buf[:], uint64(n))
	d.h.Write(d.buf[:])
	return d
}

// Float adds f
func (d *Digest) Float(f float64) *Digest {
	binary.LittleEndian.PutUint64(d.buf[:], math.Float64bits(f))
	d.h.Write(d.buf[:])
	return d
}

// Floats adds a length-prefixed slice
func (d *Digest) Floats(fs []float64) *Digest {
	d.Int(len(fs))
	for _, f := range fs {
		d.Float(f)
	}
	return d
}

// Vecs adds a length-prefixed slice of vectors
func (d *Digest) Vecs(vs []Vec3) *Digest {
	d.Int(len(vs))
	for _, v := range vs {
		d.Float(v[0]).Float(v[1]).Float(v[2])
	}
	return d
}

// Text adds a length-prefixed string
func (d *Digest) Text(s string) *Digest {
	d.Int(len(s))
	d.h.Write([]byte(s))
	return d
}

// Sum returns the hex digest
func (d *Digest) Sum() string { return hex.EncodeToString(d.h.Sum(nil)) }
