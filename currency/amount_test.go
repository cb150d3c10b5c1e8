package currency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSOLFloorsToLamports(t *testing.T) {
	amt, err := ParseSOL("0.0005")
	require.NoError(t, err)
	require.Equal(t, "500000", amt.LamportString())
	require.Equal(t, "0.0005", amt.String())

	amt, err = ParseSOL("0.0000000019")
	require.NoError(t, err)
	require.Equal(t, "1", amt.LamportString())

	_, err = ParseSOL("-1")
	require.ErrorIs(t, err, ErrNegativeAmount)

	_, err = ParseSOL("abc")
	require.Error(t, err)
}

func TestWithinTolerance(t *testing.T) {
	expected := Lamports(500_000)
	require.True(t, WithinTolerance(500_000, expected, 1000))
	require.True(t, WithinTolerance(500_999, expected, 1000))
	require.True(t, WithinTolerance(499_000, expected, 1000))
	require.False(t, WithinTolerance(400_000, expected, 1000))
	require.False(t, WithinTolerance(501_001, expected, 1000))
	require.False(t, WithinTolerance(-500_000, expected, 1000))
}

func TestAmountScanValue(t *testing.T) {
	amt := Lamports(42)
	v, err := amt.Value()
	require.NoError(t, err)
	require.Equal(t, "42", v)

	var scanned Amount
	require.NoError(t, scanned.Scan([]byte("42")))
	require.True(t, scanned.Equal(amt))
	require.NoError(t, scanned.Scan(int64(7)))
	require.Equal(t, "7", scanned.LamportString())
	require.Error(t, scanned.Scan(3.5))
}

func TestAmountAdd(t *testing.T) {
	sum, err := Lamports(1).Add(Lamports(2))
	require.NoError(t, err)
	n, ok := sum.Uint64()
	require.True(t, ok)
	require.EqualValues(t, 3, n)
}
