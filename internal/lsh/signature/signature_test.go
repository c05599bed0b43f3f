package signature

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/hashfamily"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
)

func newBuilder(t *testing.T, p lsh.Params, seed uint64) *Builder {
	t.Helper()
	f, err := hashfamily.New(hashfamily.XXH3, seed, 0)
	require.NoError(t, err)
	b, err := NewBuilder(p, f)
	require.NoError(t, err)
	return b
}

func TestNewBuilderRejectsBadParams(t *testing.T) {
	f, err := hashfamily.New(hashfamily.XXH3, 0, 0)
	require.NoError(t, err)
	_, err = NewBuilder(lsh.Params{Q: 0, NbBands: 2, BandSize: 2}, f)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	_, err = NewBuilder(lsh.Params{Q: 3, NbBands: 2, BandSize: 2}, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
}

func TestComputeHelloWorld(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 3, NbBands: 2, BandSize: 2}, 0)

	sig, err := b.Compute("hello world")
	require.NoError(t, err)
	require.Len(t, sig, 2)
	assert.Equal(t, 0, sig[0].Index)
	assert.Equal(t, 1, sig[1].Index)

	again, err := b.Compute("hello world")
	require.NoError(t, err)
	assert.True(t, sig.Equal(again))

	// A freshly constructed builder with the same inputs reproduces it.
	other := newBuilder(t, lsh.Params{Q: 3, NbBands: 2, BandSize: 2}, 0)
	fresh, err := other.Compute("hello world")
	require.NoError(t, err)
	assert.Equal(t, sig, fresh)
}

func TestComputeHelloWorldGolden(t *testing.T) {
	p := lsh.Params{Q: 3, NbBands: 2, BandSize: 2}
	want := map[string][2]uint64{
		hashfamily.XXH3:    {0x9922394b90e1acd3, 0x7730a7ffbe18b2ca},
		hashfamily.XXHash:  {0x03a7cd8217b69a16, 0xdcbfccd919e6daab},
		hashfamily.Murmur3: {0xaa77ebc7c6296d7c, 0xbecdc5073b39d801},
		hashfamily.MD5:     {0xfaa1e35d3b6c7017, 0x5b44444fd28033f2},
	}
	for name, fp := range want {
		t.Run(name, func(t *testing.T) {
			f, err := hashfamily.New(name, 0, 0)
			require.NoError(t, err)
			b, err := NewBuilder(p, f)
			require.NoError(t, err)
			sig, err := b.Compute("hello world")
			require.NoError(t, err)
			assert.Equal(t, Signature{{Index: 0, Fingerprint: fp[0]}, {Index: 1, Fingerprint: fp[1]}}, sig)
		})
	}
}

func TestFingerprintRejectsWrongLength(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 3, NbBands: 2, BandSize: 2}, 0)
	_, err := b.Fingerprint(make([]uint64, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	sig, err := b.Fingerprint(make([]uint64, 4))
	require.NoError(t, err)
	assert.Len(t, sig, 2)
}

func TestMinHashesLength(t *testing.T) {
	p := lsh.Params{Q: 5, NbBands: 3, BandSize: 10}
	b := newBuilder(t, p, 0)
	mins, err := b.MinHashes("will not confess he owes the malady")
	require.NoError(t, err)
	assert.Len(t, mins, p.SignatureLen())
	sig, err := b.Fingerprint(mins)
	require.NoError(t, err)
	assert.Len(t, sig, p.NbBands)
}

func TestComputeDegenerate(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 5, NbBands: 3, BandSize: 10}, 0)
	for _, rec := range []string{"", "cat", "dog", "abcd"} {
		sig, err := b.Compute(rec)
		assert.Nil(t, sig)
		assert.True(t, errors.Is(err, ErrNoShingles), rec)
	}
}

func TestComputeInvalidEncoding(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 2, NbBands: 2, BandSize: 2}, 0)
	_, err := b.Compute("ab\xffcd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEncoding))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.False(t, errors.Is(err, ErrNoShingles))
}

func TestIdenticalShingleSetsShareEveryBand(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 2, NbBands: 4, BandSize: 3}, 5)
	// Same 2-gram set {ab, ba}, different texts.
	a, err := b.Compute("abab")
	require.NoError(t, err)
	c, err := b.Compute("ababab")
	require.NoError(t, err)
	assert.True(t, a.Equal(c))
}

func TestSharesBand(t *testing.T) {
	a := Signature{{0, 1}, {1, 2}}
	assert.True(t, a.SharesBand(Signature{{0, 9}, {1, 2}}))
	assert.False(t, a.SharesBand(Signature{{0, 9}, {1, 8}}))
	assert.False(t, a.Equal(Signature{{0, 1}}))
}

func TestEstimateJaccardTracksSimilarity(t *testing.T) {
	b := newBuilder(t, lsh.Params{Q: 3, NbBands: 50, BandSize: 4}, 17)
	x, err := b.MinHashes("the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	y, err := b.MinHashes("the quick brown fox jumped over the lazy dog")
	require.NoError(t, err)
	z, err := b.MinHashes("completely unrelated bibliographic entry")
	require.NoError(t, err)

	assert.Equal(t, 1.0, EstimateJaccard(x, x))
	assert.Greater(t, EstimateJaccard(x, y), 0.6)
	assert.Less(t, EstimateJaccard(x, z), 0.2)
	assert.Equal(t, 0.0, EstimateJaccard(x, nil))
}
