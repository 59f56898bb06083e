package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntDecoding(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{`71000`, 71000},
		{`"71000"`, 71000},
		{`"+71000"`, 71000},
		{`"-71000"`, -71000},
		{`"1,250,000"`, 1250000},
		{`""`, 0},
		{`null`, 0},
		{`"000120"`, 120},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var n Int
			require.NoError(t, json.Unmarshal([]byte(tc.in), &n))
			assert.Equal(t, tc.want, int64(n))
		})
	}

	var n Int
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
}

func TestIntAbs(t *testing.T) {
	assert.Equal(t, int64(71000), Int(-71000).Abs())
	assert.Equal(t, int64(5), Int(5).Abs())
}

func TestFloatDecoding(t *testing.T) {
	var f Float
	require.NoError(t, json.Unmarshal([]byte(`"-1.25"`), &f))
	assert.InDelta(t, -1.25, float64(f), 1e-9)
	require.NoError(t, json.Unmarshal([]byte(`3.5`), &f))
	assert.InDelta(t, 3.5, float64(f), 1e-9)
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &f))
}
