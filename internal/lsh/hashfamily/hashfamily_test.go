package hashfamily

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

func allFamilies(t *testing.T, seed, modulus uint64) []Family {
	t.Helper()
	families := make([]Family, 0, len(Names()))
	for _, name := range Names() {
		f, err := New(name, seed, modulus)
		require.NoError(t, err)
		families = append(families, f)
	}
	return families
}

func TestNewUnknownFamily(t *testing.T) {
	_, err := New("sha3", 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
}

func TestNewDefaultsToXXH3(t *testing.T) {
	f, err := New("", 7, 0)
	require.NoError(t, err)
	assert.Equal(t, XXH3, f.Name())
	assert.Equal(t, uint64(7), f.Seed())
}

func TestDeterministic(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			a, err := New(name, 42, 0)
			require.NoError(t, err)
			b, err := New(name, 42, 0)
			require.NoError(t, err)
			for salt := uint64(0); salt < 50; salt++ {
				assert.Equal(t, a.HashString(RoleMinHash, salt, "hello"), b.HashString(RoleMinHash, salt, "hello"))
				assert.Equal(t, a.Hash(RoleBand, salt, []byte("hello")), b.Hash(RoleBand, salt, []byte("hello")))
			}
		})
	}
}

// Pinned outputs: any change to seed derivation, salt tagging or byte order
// shows up here, which same-process comparisons cannot catch.
func TestGoldenValues(t *testing.T) {
	tests := []struct {
		name    string
		minHash uint64 // RoleMinHash, salt 7, "hel"
		band    uint64 // RoleBand, salt 1, "hel"
		record  uint64 // RoleMinHash, salt 0, "john smith edinburgh"
		legacy  uint64 // RoleMinHash, salt 7, "hel", LegacyModulus
	}{
		{XXH3, 0x6a8999fed88e1bfd, 0x0189e3045e4de4a3, 0xc42b417f79258e0e, 655933},
		{XXHash, 0xb2d71e3cd8dd9ef8, 0x1940d7d95b203b46, 0x4ca499090f4f3b66, 237496},
		{Murmur3, 0x06666369a07545ca, 0x0070c301883b9489, 0xe1267dd168914135, 810570},
		{MD5, 0xab5aabd15dec6a1c, 0x5a8ca264f2a85425, 0x0b23a1a9409fcbca, 925404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.name, 42, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.minHash, f.HashString(RoleMinHash, 7, "hel"))
			assert.Equal(t, tt.minHash, f.Hash(RoleMinHash, 7, []byte("hel")))
			assert.Equal(t, tt.band, f.Hash(RoleBand, 1, []byte("hel")))
			assert.Equal(t, tt.record, f.HashString(RoleMinHash, 0, "john smith edinburgh"))

			legacy, err := New(tt.name, 42, LegacyModulus)
			require.NoError(t, err)
			assert.Equal(t, tt.legacy, legacy.HashString(RoleMinHash, 7, "hel"))
		})
	}
}

func TestHashStringMatchesHash(t *testing.T) {
	for _, f := range allFamilies(t, 3, 0) {
		assert.Equal(t, f.Hash(RoleMinHash, 9, []byte("record")), f.HashString(RoleMinHash, 9, "record"), f.Name())
	}
}

func TestModulusBoundsOutput(t *testing.T) {
	for _, f := range allFamilies(t, 1, LegacyModulus) {
		for salt := uint64(0); salt < 500; salt++ {
			assert.Less(t, f.HashString(RoleMinHash, salt, "bounded"), LegacyModulus, f.Name())
		}
	}
}

func TestNewRejectsModulusOne(t *testing.T) {
	for _, name := range Names() {
		_, err := New(name, 0, 1)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig), name)
	}
}

func TestWeakModulus(t *testing.T) {
	assert.False(t, WeakModulus(0))
	assert.False(t, WeakModulus(LegacyModulus))
	assert.False(t, WeakModulus(RecommendedModulus))
	assert.True(t, WeakModulus(2))
	assert.True(t, WeakModulus(1<<20))
}

func TestSeedSelectsDifferentMember(t *testing.T) {
	for _, name := range Names() {
		a, err := New(name, 1, 0)
		require.NoError(t, err)
		b, err := New(name, 2, 0)
		require.NoError(t, err)
		differ := 0
		for salt := uint64(0); salt < 32; salt++ {
			if a.HashString(RoleMinHash, salt, "shingle") != b.HashString(RoleMinHash, salt, "shingle") {
				differ++
			}
		}
		assert.Equal(t, 32, differ, name)
	}
}

func TestRolesDoNotAlias(t *testing.T) {
	value := []byte("band contents")
	for _, f := range allFamilies(t, 0, 0) {
		for salt := uint64(0); salt < 64; salt++ {
			assert.NotEqual(t, f.Hash(RoleMinHash, salt, value), f.Hash(RoleBand, salt, value), "%s salt %d", f.Name(), salt)
		}
	}
}

func TestTagIsInjective(t *testing.T) {
	seen := make(map[uint64]struct{})
	for _, role := range []Role{RoleMinHash, RoleBand} {
		for salt := uint64(0); salt < 10000; salt++ {
			w := tag(role, salt)
			_, dup := seen[w]
			require.False(t, dup)
			seen[w] = struct{}{}
		}
	}
}

// Band fingerprints for different band indices must not collide on the same
// or on random content.
func TestNoCrossBandCollisions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const samples = 20000
	const bands = 8
	for _, f := range allFamilies(t, 11, 0) {
		seen := make(map[uint64]struct{}, samples*bands)
		buf := make([]byte, 8*4)
		collisions := 0
		for i := 0; i < samples; i++ {
			for j := 0; j < 4; j++ {
				binary.LittleEndian.PutUint64(buf[8*j:], rng.Uint64())
			}
			for band := uint64(0); band < bands; band++ {
				fp := f.Hash(RoleBand, band, buf)
				if _, dup := seen[fp]; dup {
					collisions++
				}
				seen[fp] = struct{}{}
			}
		}
		assert.Zero(t, collisions, f.Name())
	}
}

func TestWellMixed(t *testing.T) {
	f, err := New(XXH3, 0, 0)
	require.NoError(t, err)
	// Flipping one input byte should flip roughly half of the output bits.
	total := 0
	const trials = 256
	for i := 0; i < trials; i++ {
		a := f.Hash(RoleMinHash, uint64(i), []byte("abcde"))
		b := f.Hash(RoleMinHash, uint64(i), []byte("abcdf"))
		total += popcount(a ^ b)
	}
	mean := float64(total) / trials
	assert.InDelta(t, 32, mean, 4)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "minhash", RoleMinHash.String())
	assert.Equal(t, "band", RoleBand.String())
	assert.Equal(t, "role(9)", Role(9).String())
}

func popcount(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}
