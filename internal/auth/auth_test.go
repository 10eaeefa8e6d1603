package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokens(t *testing.T) {
	a := NewStaticTokens(map[string]string{"tok-1": "alice"})

	r := httptest.NewRequest("GET", "/ws?token=tok-1", nil)
	user, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	user, err = a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	r = httptest.NewRequest("GET", "/ws?token=wrong", nil)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrRejected)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAllowAll(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?user=bob", nil)
	user, err := AllowAll{}.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	r = httptest.NewRequest("GET", "/ws", nil)
	user, err = AllowAll{}.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", user)
}

func TestParseTokenMap(t *testing.T) {
	got := ParseTokenMap("tok-1=alice, tok-2=bob,,broken,=x")
	assert.Equal(t, map[string]string{"tok-1": "alice", "tok-2": "bob"}, got)
}
