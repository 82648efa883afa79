package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	a := USD(1050)
	b := USD(250)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), sum.AmountMinor)
	assert.Equal(t, "USD", sum.Currency)
}

func TestAdd_CurrencyMismatch(t *testing.T) {
	_, err := USD(100).Add(New(100, "USDC"))
	assert.Error(t, err)
}

func TestSub_Negative(t *testing.T) {
	d, err := USD(100).Sub(USD(250))
	require.NoError(t, err)
	assert.True(t, d.IsNegative())
	assert.Equal(t, int64(-150), d.AmountMinor)
}

func TestCmp(t *testing.T) {
	lt, err := USD(99).Cmp(USD(100))
	require.NoError(t, err)
	assert.Equal(t, -1, lt)

	eq, err := USD(100).Cmp(USD(100))
	require.NoError(t, err)
	assert.Equal(t, 0, eq)

	gt, err := USD(101).Cmp(USD(100))
	require.NoError(t, err)
	assert.Equal(t, 1, gt)

	_, err = USD(1).Cmp(New(1, "EURC"))
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "12.34 USD", USD(1234).String())
	assert.Equal(t, "0.05 USD", USD(5).String())
	assert.Equal(t, "-1.50 USD", USD(-150).String())
}
