package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"1", []int{1}},
		{"0", []int{0}},
		{"all", []int{0, 1, 2, 3}},
		{"ALL", []int{0, 1, 2, 3}},
		{"0-2", []int{0, 1, 2}},
		{"3,1", []int{1, 3}},
		{"0,2-3", []int{0, 2, 3}},
		{" 1 , 1-2 ", []int{1, 2}},
	}
	for _, test := range tests {
		got, err := Parse(test.spec, 4)
		require.NoError(t, err, test.spec)
		assert.Equal(t, test.want, got, test.spec)
	}
}

func TestParseErrors(t *testing.T) {
	for _, spec := range []string{"", "x", "4", "-1", "3-1", "0,,1", "1-x"} {
		_, err := Parse(spec, 4)
		assert.Error(t, err, spec)
	}
	_, err := Parse("all", 0)
	assert.Error(t, err)
}
