package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderIdentity(t *testing.T) {
	identity := HeaderIdentity("X-User-ID")

	r := httptest.NewRequest("GET", "/graphql", nil)
	_, ok := identity(r)
	assert.False(t, ok)

	r.Header.Set("X-User-ID", "  ")
	_, ok = identity(r)
	assert.False(t, ok)

	r.Header.Set("X-User-ID", "user-1")
	id, ok := identity(r)
	assert.True(t, ok)
	assert.Equal(t, "user-1", id)
}
