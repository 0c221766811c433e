package dedup

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strconv"
	"strings"
)

// Bits is the fingerprint width.
const Bits = 64

// MismatchDistance is returned alongside an error when fingerprints cannot
// be compared. It is larger than any real distance so comparisons fail.
const MismatchDistance = Bits + 1

var (
	ErrFingerprintLength  = errors.New("fingerprints differ in length")
	ErrInvalidFingerprint = errors.New("fingerprint must contain only '0' and '1'")
)

// Fingerprint is a simhash rendered as a string of '0' and '1', most
// significant bit first.
type Fingerprint string

// ZeroFingerprint carries no signal and never matches anything.
var ZeroFingerprint = Fingerprint(strings.Repeat("0", Bits))

func FromUint64(v uint64) Fingerprint {
	return Fingerprint(fmt.Sprintf("%0*b", Bits, v))
}

func (f Fingerprint) Uint64() (uint64, error) {
	if len(f) != Bits {
		return 0, ErrFingerprintLength
	}
	v, err := strconv.ParseUint(string(f), 2, Bits)
	if err != nil {
		return 0, ErrInvalidFingerprint
	}
	return v, nil
}

func (f Fingerprint) IsZero() bool {
	return f == ZeroFingerprint
}

func (f Fingerprint) Valid() bool {
	_, err := f.Uint64()
	return err == nil
}

// Calculate returns the simhash of text. Each distinct normalized word is a
// feature weighted by its frequency; bit i of the result is set when the
// weighted vote for bit i across all feature hashes is positive.
func Calculate(text string) Fingerprint {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return ZeroFingerprint
	}

	weights := make(map[string]int, len(tokens))
	for _, token := range tokens {
		weights[token]++
	}

	var votes [Bits]int
	for token, weight := range weights {
		h := featureHash(token)
		for i := range Bits {
			if h&(1<<uint(i)) != 0 {
				votes[i] += weight
			} else {
				votes[i] -= weight
			}
		}
	}

	var v uint64
	for i := range Bits {
		if votes[i] > 0 {
			v |= 1 << uint(i)
		}
	}
	return FromUint64(v)
}

// featureHash is FNV-1a followed by a splitmix64 finalizer; FNV alone
// leaves the high bits of short tokens poorly mixed.
func featureHash(token string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(token))
	z := h.Sum64()
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// HammingDistance counts differing bit positions. Fingerprints of unequal
// length or with characters other than '0' and '1' yield MismatchDistance
// and an error.
func HammingDistance(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return MismatchDistance, fmt.Errorf("%w: %d and %d", ErrFingerprintLength, len(a), len(b))
	}

	if len(a) == Bits {
		x, errA := a.Uint64()
		y, errB := b.Uint64()
		if errA != nil || errB != nil {
			return MismatchDistance, ErrInvalidFingerprint
		}
		return bits.OnesCount64(x ^ y), nil
	}

	distance := 0
	for i := 0; i < len(a); i++ {
		if !isBit(a[i]) || !isBit(b[i]) {
			return MismatchDistance, ErrInvalidFingerprint
		}
		if a[i] != b[i] {
			distance++
		}
	}
	return distance, nil
}

func isBit(c byte) bool {
	return c == '0' || c == '1'
}

type Similarity string

const (
	SimilarityIdentical Similarity = "identical"
	SimilarityDuplicate Similarity = "duplicate"
	SimilarityRelated   Similarity = "related"
	SimilarityUnrelated Similarity = "unrelated"
)

// Classify maps a distance onto the usual operating bands.
func Classify(distance int) Similarity {
	switch {
	case distance < 0:
		return SimilarityUnrelated
	case distance <= 1:
		return SimilarityIdentical
	case distance <= 3:
		return SimilarityDuplicate
	case distance <= 6:
		return SimilarityRelated
	default:
		return SimilarityUnrelated
	}
}
