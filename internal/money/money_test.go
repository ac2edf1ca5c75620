package money

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiv(t *testing.T) {
	q, err := Div(MustParse("50"), MustParse("100"))
	require.NoError(t, err)
	assert.Equal(t, "0.5", Format(q))

	_, err = Div(MustParse("1"), Zero)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDivisionByZero))

	var arith *ArithmeticError
	assert.True(t, errors.As(err, &arith))
	assert.Equal(t, "div", arith.Op)
}

func TestRound(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		mode   RoundingMode
		places int32
		want   string
	}{
		{name: "DownPositive", value: "1.239", mode: RoundDown, places: 2, want: "1.23"},
		{name: "DownNegative", value: "-1.239", mode: RoundDown, places: 2, want: "-1.23"},
		{name: "Up", value: "1.231", mode: RoundUp, places: 2, want: "1.24"},
		{name: "HalfUp", value: "1.235", mode: RoundHalfUp, places: 2, want: "1.24"},
		{name: "HalfEven", value: "1.225", mode: RoundHalfEven, places: 2, want: "1.22"},
		{name: "ZeroPlaces", value: "7.9", mode: RoundDown, places: 0, want: "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Round(MustParse(tt.value), tt.mode, tt.places)
			assert.Equal(t, tt.want, Format(got))
		})
	}
}

func TestMinMaxFormat(t *testing.T) {
	a, b := MustParse("1.50"), MustParse("2")
	assert.Equal(t, "1.5", Format(Min(a, b)))
	assert.Equal(t, "2", Format(Max(a, b)))
	assert.True(t, Equal(MustParse("1.50"), MustParse("1.5")))

	_, err := Parse("abc")
	assert.Error(t, err)
}
