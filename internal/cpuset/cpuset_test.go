// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tt := []struct {
		coreset string
		want    []int
	}{
		{"0-7", []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{"8,9,10", []int{8, 9, 10}},
		{"0,2-4,9", []int{0, 2, 3, 4, 9}},
		{"0,2,3,4", []int{0, 2, 3, 4}},
		{"5", []int{5}},
		{"3,3,3", []int{3}},
		{" 0 , 2 ", []int{0, 2}},
	}
	for _, tc := range tt {
		got, err := Parse(tc.coreset)
		require.NoError(t, err, "coreset %q", tc.coreset)
		assert.Equal(t, tc.want, got, "coreset %q", tc.coreset)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"4-2",     // inverted
		"-1",      // negative
		"0,",      // trailing empty item
		"a-b",     // not numbers
		"0-9999",  // beyond MaxCPUs
		"1e3",     // not an integer
	}
	for _, coreset := range bad {
		_, err := Parse(coreset)
		assert.Error(t, err, "coreset %q", coreset)
	}
}

func TestFormat(t *testing.T) {
	tt := []struct {
		cpus []int
		want string
	}{
		{[]int{0, 2, 3, 4}, "0,2-4"},
		{[]int{0, 1, 2, 3, 4, 5, 6, 7}, "0-7"},
		{[]int{5}, "5"},
		{[]int{9, 8, 10}, "8-10"}, // unsorted input
		{nil, ""},
	}
	for _, tc := range tt {
		assert.Equal(t, tc.want, Format(tc.cpus))
	}
}

// The parser-then-formatter round trip must be idempotent on canonical forms.
func TestRoundTrip(t *testing.T) {
	canonical := []string{"0,2-4", "0-7", "8-15", "0-15", "3", "0,5,7-9"}
	for _, coreset := range canonical {
		cpus, err := Parse(coreset)
		require.NoError(t, err)
		assert.Equal(t, coreset, Format(cpus), "round trip of %q", coreset)
	}

	// non-canonical input normalizes and then stays fixed
	cpus, err := Parse("0,2,3,4")
	require.NoError(t, err)
	assert.Equal(t, "0,2-4", Format(cpus))
	again, err := Parse("0,2-4")
	require.NoError(t, err)
	assert.Equal(t, cpus, again)
}

func TestSet(t *testing.T) {
	s, err := ParseSet("0,2-4")
	require.NoError(t, err)
	assert.True(t, s.Contains(0))
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(1))
	assert.False(t, s.Empty())
	assert.Equal(t, "0,2-4", s.String())

	assert.True(t, NewSet(nil).Empty())
}
