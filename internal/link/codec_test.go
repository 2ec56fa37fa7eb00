package link

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFloat32Words(t *testing.T) {
	t.Parallel()
	w := Float32ToWords(1.5)
	require.Equal(t, []uint16{0x3FC0, 0x0000}, w)

	f, err := WordsToFloat32(w)
	require.NoError(t, err)
	require.Equal(t, float32(1.5), f)

	_, err = WordsToFloat32([]uint16{1})
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestFloat64WritePathDecodesExactly(t *testing.T) {
	t.Parallel()
	for _, v := range []float64{0.005, -2.75e-3, 0, 1, math.Pi, -1e300, math.SmallestNonzeroFloat64} {
		payload := WordsToBytes(Float64ToWords(v))
		require.Len(t, payload, 8)

		words, err := BytesToWords(payload)
		require.NoError(t, err)
		got, err := WordsToFloat64(words)
		require.NoError(t, err)
		require.Equal(t, math.Float64bits(v), math.Float64bits(got), "value %v", v)
	}
}

func TestFloat64WordOrder(t *testing.T) {
	t.Parallel()
	// 1.0 = 0x3FF0000000000000, most significant word first.
	require.Equal(t, []uint16{0x3FF0, 0, 0, 0}, Float64ToWords(1))
	require.Equal(t, []byte{0x3F, 0xF0, 0, 0, 0, 0, 0, 0}, WordsToBytes(Float64ToWords(1)))
}

func TestBytesToWordsOddLength(t *testing.T) {
	t.Parallel()
	_, err := BytesToWords([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseLoopFrame(t *testing.T) {
	t.Parallel()
	cases := []struct {
		frame string
		want  float64
		ok    bool
	}{
		{">12.34\r", 12.34, true},
		{">-10.20\r\n", -10.20, true},
		{"> 4.00 \r", 4.0, true},
		{"\r\n>20.10\r", 20.10, true},
		{">\r", 0, false},
		{"", 0, false},
		{">abc\r", 0, false},
		{">NaN\r", 0, false},
		{">+Inf\r", 0, false},
		{">-inf\r", 0, false},
		{">1e999\r", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseLoopFrame([]byte(tc.frame))
		if !tc.ok {
			require.ErrorIs(t, err, ErrProtocol, "frame %q", tc.frame)
			continue
		}
		require.NoError(t, err, "frame %q", tc.frame)
		require.InDelta(t, tc.want, got, 1e-9)
	}
}

func TestTerminated(t *testing.T) {
	t.Parallel()
	require.False(t, terminated([]byte(">")))
	require.False(t, terminated([]byte("\r\n>12.")))
	require.True(t, terminated([]byte(">12.3\r")))
	require.True(t, terminated([]byte("\n>12.3\n")))
}

func TestNormalizeFraming(t *testing.T) {
	t.Parallel()
	f, err := NormalizeFraming("")
	require.NoError(t, err)
	require.Equal(t, FramingRTUOverTCP, f)

	f, err = NormalizeFraming(" MBAP ")
	require.NoError(t, err)
	require.Equal(t, FramingTCP, f)

	_, err = NormalizeFraming("ascii")
	require.Error(t, err)
}
