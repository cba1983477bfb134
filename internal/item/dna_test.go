package item

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBlobRoundTrip(t *testing.T) {
	in := DNA{
		IntStats: map[uint32]uint32{
			PropStackQuantity: 250,
			PropInstanceGUID:  0xDEADBEEF,
			7:                 42,
		},
		FloatStats: map[uint32]float32{
			30: 1.5,
			31: -0.25,
		},
	}
	blob := EncodeBlob(1108, in)

	tid, out, err := ParseBlob(blob)
	require.NoError(t, err)
	require.Equal(t, int32(1108), tid)
	require.Equal(t, in.IntStats, out.IntStats)
	require.Equal(t, in.FloatStats, out.FloatStats)
	require.Equal(t, uint32(250), out.StackQuantity())
}

func TestParseBlobEmptyStats(t *testing.T) {
	blob := EncodeBlob(9, DNA{IntStats: map[uint32]uint32{}, FloatStats: map[uint32]float32{}})

	tid, dna, err := ParseBlob(blob)
	require.NoError(t, err)
	require.Equal(t, int32(9), tid)
	require.Empty(t, dna.IntStats)
	require.Empty(t, dna.FloatStats)
	require.Zero(t, dna.StackQuantity())
}

func TestParseBlobTruncated(t *testing.T) {
	full := EncodeBlob(1108, DNA{
		IntStats:   map[uint32]uint32{PropStackQuantity: 10},
		FloatStats: map[uint32]float32{30: 2.0},
	})
	// Every prefix short of the full blob must fail, never panic.
	for n := 0; n < len(full); n++ {
		_, _, err := ParseBlob(full[:n])
		require.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestParseBlobLyingCount(t *testing.T) {
	blob := EncodeBlob(1, DNA{IntStats: map[uint32]uint32{}, FloatStats: map[uint32]float32{}})
	// Claim more int stats than the blob can hold.
	blob[blobHeaderLen+4] = 0xFF
	blob[blobHeaderLen+5] = 0xFF

	_, _, err := ParseBlob(blob)
	require.Error(t, err)
}

func TestStripInstanceProps(t *testing.T) {
	dna := DNA{
		IntStats: map[uint32]uint32{
			PropStackQuantity: 5,
			PropInstanceGUID:  123,
			PropSellMark:      777,
			7:                 42,
		},
		FloatStats: map[uint32]float32{},
	}
	dna.StripInstanceProps()

	require.NotContains(t, dna.IntStats, PropInstanceGUID)
	require.NotContains(t, dna.IntStats, PropSellMark)
	require.Equal(t, uint32(5), dna.IntStats[PropStackQuantity])
	require.Equal(t, uint32(42), dna.IntStats[7])
}
