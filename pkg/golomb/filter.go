package golomb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
)

// ErrFilterEmpty is returned by Lookup against a zero-value Filter.
var ErrFilterEmpty = errors.New("golomb: filter has no items")

// Filter is a Golomb-coded set (GCS): a sorted list of hashed keys,
// delta-encoded with Golomb-Rice coding. It supports only membership
// queries with a bounded false-positive rate (1/2^k); it never has false
// negatives. Used by the resolver (C8) as a cheap per-collection
// negative-lookup ahead of a row-group's binary search, so that a domain
// with no CDX pointers in a given collection is rejected without ever
// touching the row-group index.
type Filter struct {
	k       int
	n       int
	fp      uint64 // modulus used to hash keys into [0, fp)
	encoded []byte
}

// defaultFPRate is the fpRate BuildFilter uses when given 0: a target false
// positive rate of roughly 1/256 per item, the same order of magnitude
// GCS filters in the wild (e.g. Neutrino/BIP158-style filters) use.
const defaultFPRate = 256

// hashKey maps an arbitrary string key to a 64-bit hash. FNV-1a is used
// rather than a cryptographic hash since collision resistance is not a
// requirement here, only uniform distribution.
func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))

	return h.Sum64()
}

// BuildFilter constructs a Filter over keys (typically reversed-host
// prefixes present in a collection's row-group index). A larger fpRate
// divisor gives a lower false-positive rate at
// the cost of more bits per key. fpRate of 0 uses defaultFPRate.
func BuildFilter(keys []string, fpRate int) (*Filter, error) {
	if fpRate <= 0 {
		fpRate = defaultFPRate
	}

	n := len(keys)
	modulus := uint64(n) * uint64(fpRate)

	if modulus < 2 {
		modulus = 2
	}

	hashed := make([]uint64, n)
	for i, key := range keys {
		hashed[i] = hashKey(key) % modulus
	}

	sort.Slice(hashed, func(i, j int) bool { return hashed[i] < hashed[j] })

	k := bitsForAverageGap(modulus, uint64(n))

	var buf bytes.Buffer

	enc, err := NewEncoder(&buf, k)
	if err != nil {
		return nil, fmt.Errorf("golomb: error building filter encoder: %w", err)
	}

	var prev uint64

	for _, h := range hashed {
		if err := enc.Encode(h - prev); err != nil {
			return nil, fmt.Errorf("golomb: error encoding filter delta: %w", err)
		}

		prev = h
	}

	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("golomb: error flushing filter: %w", err)
	}

	return &Filter{k: k, n: n, fp: modulus, encoded: buf.Bytes()}, nil
}

// bitsForAverageGap picks k such that 2^k is close to modulus/n, the
// average gap between sorted hashed values: the standard Golomb-Rice
// parameter choice for a list of roughly uniform deltas.
func bitsForAverageGap(modulus, n uint64) int {
	if n == 0 {
		return 0
	}

	avgGap := modulus / n
	k := 0

	for (uint64(1) << uint(k)) < avgGap {
		k++
	}

	return k
}

// Lookup reports whether key may be a member. A false return is certain;
// a true return may be a false positive at rate roughly 1/fpRate.
func (f *Filter) Lookup(key string) (bool, error) {
	if f == nil || f.n == 0 {
		return false, ErrFilterEmpty
	}

	target := hashKey(key) % f.fp

	dec, err := NewDecoder(bytes.NewReader(f.encoded), f.k)
	if err != nil {
		return false, fmt.Errorf("golomb: error building filter decoder: %w", err)
	}

	var cur uint64

	for i := 0; i < f.n; i++ {
		delta, err := dec.Decode()
		if err != nil {
			return false, fmt.Errorf("golomb: error decoding filter: %w", err)
		}

		cur += delta

		if cur == target {
			return true, nil
		}

		if cur > target {
			return false, nil
		}
	}

	return false, nil
}

// Marshal serializes the filter to a compact binary form: k, n, fp
// modulus, then the Golomb-coded bytes.
func (f *Filter) Marshal() []byte {
	header := make([]byte, 20)
	binary.BigEndian.PutUint32(header[0:4], uint32(f.k)) //nolint:gosec
	binary.BigEndian.PutUint32(header[4:8], uint32(f.n))  //nolint:gosec
	binary.BigEndian.PutUint64(header[8:16], f.fp)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(f.encoded))) //nolint:gosec

	return append(header, f.encoded...)
}

// ErrShortFilterBuffer is returned by Unmarshal when buf is too small to
// contain a filter header.
var ErrShortFilterBuffer = errors.New("golomb: buffer too short for filter header")

// Unmarshal parses a filter previously produced by Marshal.
func Unmarshal(buf []byte) (*Filter, error) {
	if len(buf) < 20 {
		return nil, ErrShortFilterBuffer
	}

	k := int(binary.BigEndian.Uint32(buf[0:4]))
	n := int(binary.BigEndian.Uint32(buf[4:8]))
	fp := binary.BigEndian.Uint64(buf[8:16])
	encLen := int(binary.BigEndian.Uint32(buf[16:20]))

	if len(buf) < 20+encLen {
		return nil, ErrShortFilterBuffer
	}

	encoded := make([]byte, encLen)
	copy(encoded, buf[20:20+encLen])

	return &Filter{k: k, n: n, fp: fp, encoded: encoded}, nil
}
