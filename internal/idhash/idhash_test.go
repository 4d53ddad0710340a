package idhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	t.Run("is stable", func(t *testing.T) {
		assert.Equal(t, Hash("u@x.com"), Hash("u@x.com"))
	})

	t.Run("is 12 lowercase hex characters", func(t *testing.T) {
		h := Hash("u@x.com")
		assert.Len(t, h, 12)
		assert.Regexp(t, "^[0-9a-f]{12}$", h)
	})

	t.Run("differs for different ids", func(t *testing.T) {
		assert.NotEqual(t, Hash("a@x.com"), Hash("b@x.com"))
	})

	t.Run("does not contain the raw id", func(t *testing.T) {
		assert.NotContains(t, Hash("u@x.com"), "@")
	})
}
