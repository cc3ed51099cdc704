package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreshold(t *testing.T) {
	assert.Equal(t, 2, Threshold(1))
	assert.Equal(t, 2, Threshold(9))
	assert.Equal(t, 2, Threshold(10))
	assert.Equal(t, 3, Threshold(15))
	assert.Equal(t, 4, Threshold(24))
}

func TestClosestMatch(t *testing.T) {
	names := []string{"customers", "orders", "order_items"}

	m, ok := ClosestMatch("custmers", names)
	assert.True(t, ok)
	assert.Equal(t, "customers", m.Name)
	assert.Equal(t, 1, m.Distance)

	_, ok = ClosestMatch("invoices", names)
	assert.False(t, ok)

	_, ok = ClosestMatch("anything", nil)
	assert.False(t, ok)
}

func TestClosestMatchDistanceZeroIffExact(t *testing.T) {
	names := []string{"orders", "order"}

	m, ok := ClosestMatch("orders", names)
	assert.True(t, ok)
	assert.Equal(t, 0, m.Distance)
	assert.Equal(t, "orders", m.Name)

	m, ok = ClosestMatch("ordrs", names)
	assert.True(t, ok)
	assert.NotZero(t, m.Distance)
}

func TestClosestMatchScalesForLongNames(t *testing.T) {
	names := []string{"customer_addresses_history"}

	_, ok := ClosestMatch("custmer_adresses_histry", names)
	assert.True(t, ok, "three edits on a 23 character name is within 23/5")

	_, ok = ClosestMatch("cstmr_adrsss_hstry", names)
	assert.False(t, ok)
}

func TestResolveStrategies(t *testing.T) {
	names := []string{"customers", "OrderItems", "person"}

	cases := []struct {
		candidate string
		want      string
		strategy  Strategy
	}{
		{"customers", "customers", StrategyExact},
		{"CUSTOMERS", "customers", StrategyCaseInsensitive},
		{"customer", "customers", StrategyInflection},
		{"people", "person", StrategyInflection},
		{"orderitems", "OrderItems", StrategyCaseInsensitive},
		{"custmers", "customers", StrategyEditDistance},
		{"Custmers", "customers", StrategyEditDistance},
	}
	for _, tc := range cases {
		t.Run(tc.candidate, func(t *testing.T) {
			got, strategy, ok := Resolve(tc.candidate, names)
			assert.True(t, ok)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.strategy, strategy)
		})
	}

	_, strategy, ok := Resolve("warehouses", names)
	assert.False(t, ok)
	assert.Equal(t, StrategyNone, strategy)

	_, _, ok = Resolve("", names)
	assert.False(t, ok)
}
