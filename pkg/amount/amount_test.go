package amount

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"0.0001", 10_000},
		{"0.05", 5_000_000},
		{"1", 100_000_000},
		{"12.5", 1_250_000_000},
		{".5", 50_000_000},
		{"3.", 300_000_000},
		{"0.10000000000", 10_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			a, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, a.Minor())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse("-1")
	assert.ErrorIs(t, err, ErrNegative)

	_, err = Parse("0.000000001")
	assert.ErrorIs(t, err, ErrPrecision)

	for _, in := range []string{"", ".", "abc", "1.2.3", "1e5"} {
		_, err = Parse(in)
		assert.ErrorIs(t, err, ErrSyntax, in)
	}

	_, err = Parse("99999999999999999999")
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestString(t *testing.T) {
	assert.Equal(t, "0.0001", MustParse("0.0001").String())
	assert.Equal(t, "2", MustParse("2.000").String())
	assert.Equal(t, "0", Zero.String())
	assert.Equal(t, "10.00000001", MustParse("10.00000001").String())
}

func TestArithmetic(t *testing.T) {
	a := MustParse("0.0002")
	b := MustParse("0.0001")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "0.0003", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, b, diff)

	_, err = b.Sub(a)
	assert.ErrorIs(t, err, ErrNegative)

	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))
}

func TestJSON(t *testing.T) {
	type payload struct {
		Price Amount `json:"price"`
	}

	out, err := json.Marshal(payload{Price: MustParse("0.0001")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":0.0001}`, string(out))

	var in payload
	require.NoError(t, json.Unmarshal([]byte(`{"price":0.08}`), &in))
	assert.Equal(t, MustParse("0.08"), in.Price)

	require.NoError(t, json.Unmarshal([]byte(`{"price":"1.5"}`), &in))
	assert.Equal(t, MustParse("1.5"), in.Price)

	require.NoError(t, json.Unmarshal([]byte(`{"price":1e-4}`), &in))
	assert.Equal(t, MustParse("0.0001"), in.Price)
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan("0.05"))
	assert.Equal(t, MustParse("0.05"), a)

	require.NoError(t, a.Scan([]byte("1.25")))
	assert.Equal(t, MustParse("1.25"), a)

	require.NoError(t, a.Scan(float64(0.08)))
	assert.Equal(t, MustParse("0.08"), a)

	require.NoError(t, a.Scan(int64(3)))
	assert.Equal(t, MustParse("3"), a)

	assert.Error(t, a.Scan(true))
}

func TestUnmarshalText(t *testing.T) {
	var a Amount
	require.NoError(t, a.UnmarshalText([]byte(" 0.0001 ")))
	assert.Equal(t, MustParse("0.0001"), a)
	assert.Error(t, a.UnmarshalText([]byte("-1")))
}
