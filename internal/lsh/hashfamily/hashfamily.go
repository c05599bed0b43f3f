// Package hashfamily provides the salted, deterministic hash family used both
// to generate MinHash values and to fingerprint signature bands.
//
// A Family maps (role, salt, value) to an integer in [0, Modulus). The role
// keeps the two salt spaces apart: MinHash salts index the virtual hash
// function, band salts index the band, and the two never share a hash input.
// Outputs depend only on the family name, seed and modulus, so they are
// reproducible across runs, processes and architectures.
package hashfamily

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"

	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

// Role tags which salt space a hash call belongs to.
type Role uint8

const (
	RoleMinHash Role = 1
	RoleBand    Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleMinHash:
		return "minhash"
	case RoleBand:
		return "band"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Backend names accepted by New.
const (
	XXH3    = "xxh3"
	XXHash  = "xxhash"
	Murmur3 = "murmur3"
	MD5     = "md5"
)

// LegacyModulus is the bounded output range used by the first experimental
// variant. It raises false merges noticeably and is kept only for comparison.
const LegacyModulus uint64 = 1_000_000

// RecommendedModulus is the smallest output range at which MinHash
// collisions are dominated by similarity rather than by the range itself.
const RecommendedModulus uint64 = 1 << 32

// WeakModulus reports whether modulus is a bounded range below
// RecommendedModulus other than LegacyModulus.
func WeakModulus(modulus uint64) bool {
	return modulus != 0 && modulus != LegacyModulus && modulus < RecommendedModulus
}

// saltBits is the width of the salt inside a tagged salt word.
const saltBits = 56

// Family is a parameterized hash function family.
type Family interface {
	// Hash returns a value in [0, Modulus()), or any uint64 when Modulus is 0.
	Hash(role Role, salt uint64, value []byte) uint64
	HashString(role Role, salt uint64, value string) uint64
	Modulus() uint64
	Name() string
	Seed() uint64
}

// New builds the named family. seed selects one member of the family at
// random; modulus 0 means the full 64-bit range. Modulus 1 maps every input
// to 0 and is rejected.
func New(name string, seed, modulus uint64) (Family, error) {
	if modulus == 1 {
		return nil, apperrors.Configf("hash modulus 1 collapses every fingerprint into one bucket")
	}
	base := base{seed: seed, modulus: modulus}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", XXH3:
		return &xxh3Family{base: base}, nil
	case XXHash:
		return &xxhashFamily{base: base}, nil
	case Murmur3:
		return &murmurFamily{base: base}, nil
	case MD5:
		return &md5Family{base: base}, nil
	default:
		return nil, apperrors.Configf("unknown hash family %q", name)
	}
}

// Names lists the supported backends.
func Names() []string {
	return []string{XXH3, XXHash, Murmur3, MD5}
}

type base struct {
	seed    uint64
	modulus uint64
}

func (b base) Modulus() uint64 { return b.modulus }
func (b base) Seed() uint64    { return b.seed }

func (b base) reduce(h uint64) uint64 {
	if b.modulus == 0 {
		return h
	}
	return h % b.modulus
}

// tag packs role and salt into one word. Salts are indices bounded by the
// signature length, far below 2^56, so distinct (role, salt) pairs map to
// distinct words.
func tag(role Role, salt uint64) uint64 {
	return uint64(role)<<saltBits | salt&(1<<saltBits-1)
}

// tagBytes is the 16-byte prefix written ahead of the value for streaming
// backends: family seed then tagged salt.
func (b base) tagBytes(role Role, salt uint64) [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.seed)
	binary.LittleEndian.PutUint64(buf[8:16], tag(role, salt))
	return buf
}

// mix64 is the splitmix64 finalizer, a bijection on uint64.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

type xxh3Family struct{ base }

func (f *xxh3Family) Name() string { return XXH3 }

func (f *xxh3Family) seedFor(role Role, salt uint64) uint64 {
	return mix64(tag(role, salt) ^ mix64(f.seed))
}

func (f *xxh3Family) Hash(role Role, salt uint64, value []byte) uint64 {
	return f.reduce(xxh3.HashSeed(value, f.seedFor(role, salt)))
}

func (f *xxh3Family) HashString(role Role, salt uint64, value string) uint64 {
	return f.reduce(xxh3.HashStringSeed(value, f.seedFor(role, salt)))
}

type xxhashFamily struct{ base }

func (f *xxhashFamily) Name() string { return XXHash }

func (f *xxhashFamily) Hash(role Role, salt uint64, value []byte) uint64 {
	prefix := f.tagBytes(role, salt)
	d := xxhash.New()
	d.Write(prefix[:])
	d.Write(value)
	return f.reduce(d.Sum64())
}

func (f *xxhashFamily) HashString(role Role, salt uint64, value string) uint64 {
	prefix := f.tagBytes(role, salt)
	d := xxhash.New()
	d.Write(prefix[:])
	d.WriteString(value)
	return f.reduce(d.Sum64())
}

type murmurFamily struct{ base }

func (f *murmurFamily) Name() string { return Murmur3 }

func (f *murmurFamily) Hash(role Role, salt uint64, value []byte) uint64 {
	prefix := f.tagBytes(role, salt)
	h := murmur3.New64()
	h.Write(prefix[:])
	h.Write(value)
	return f.reduce(h.Sum64())
}

func (f *murmurFamily) HashString(role Role, salt uint64, value string) uint64 {
	return f.Hash(role, salt, []byte(value))
}

// md5Family reproduces the bounded digest-based variant. Only the low 64 bits
// of the digest are used before reduction.
type md5Family struct{ base }

func (f *md5Family) Name() string { return MD5 }

func (f *md5Family) Hash(role Role, salt uint64, value []byte) uint64 {
	prefix := f.tagBytes(role, salt)
	h := md5.New()
	h.Write(prefix[:])
	h.Write(value)
	sum := h.Sum(nil)
	return f.reduce(binary.BigEndian.Uint64(sum[8:16]))
}

func (f *md5Family) HashString(role Role, salt uint64, value string) uint64 {
	return f.Hash(role, salt, []byte(value))
}
