package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashString(""),
	)
	assert.Equal(t, HashString("order"), HashString("order"))
	assert.NotEqual(t, HashString("order"), HashString("orders"))
	assert.Len(t, HashString("x"), 64)
}
