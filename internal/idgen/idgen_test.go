package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("api_")
	assert.True(t, strings.HasPrefix(id, "api_"))
	assert.Len(t, id, len("api_")+32)
	assert.NotContains(t, id, "-")
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
