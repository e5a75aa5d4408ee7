package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const abcSHA = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, abcSHA, SHA256Hex([]byte("abc")))
}

func TestSHA256Reader(t *testing.T) {
	sum, n, err := SHA256Reader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, abcSHA, sum)
	assert.Equal(t, int64(3), n)
}
