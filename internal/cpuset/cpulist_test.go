package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUListRanges(t *testing.T) {
	got, err := parseCPUList("0-2,4,7-8")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 4, 7, 8}, got)
}

func TestParseCPUListEmpty(t *testing.T) {
	got, err := parseCPUList("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFormatCPUListIsFlatCommaJoin(t *testing.T) {
	assert.Equal(t, "0,2,4", formatCPUList([]int{0, 2, 4}))
}

func TestSetDifference(t *testing.T) {
	got := setDifference([]int{0, 1, 2, 3}, []int{1, 3})
	assert.Equal(t, []int{0, 2}, got)
}
