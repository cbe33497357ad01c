package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitLines(t *testing.T) {
	type scenario struct {
		multilineString string
		expected        []string
	}

	scenarios := []scenario{
		{"", []string{}},
		{"\n", []string{}},
		{
			"hello world !\nhello universe !\n",
			[]string{"hello world !", "hello universe !"},
		},
		{
			"hello world !\r\nhello universe !\r\n",
			[]string{"hello world !", "hello universe !"},
		},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, SplitLines(s.multilineString))
	}
}

func TestSafeTruncate(t *testing.T) {
	assert.Equal(t, "hello", SafeTruncate("hello world", 5))
	assert.Equal(t, "hi", SafeTruncate("hi", 5))
}

func TestIsAbsPath(t *testing.T) {
	assert.True(t, IsAbsPath("/mnt/data"))
	assert.False(t, IsAbsPath("mnt/data"))
	assert.False(t, IsAbsPath(""))
}
