package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestJWTRoundTrip(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := v.Issue(Identity{UserID: "d1", Role: models.RoleDriver}, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/rides/r1", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, err := v.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "d1", Role: models.RoleDriver}, id)

	ws := httptest.NewRequest("GET", "/ws?token="+tok, nil)
	id, err = v.Verify(ws)
	require.NoError(t, err)
	assert.Equal(t, "d1", id.UserID)
}

func TestJWTRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier("s3cret")

	_, err := v.Verify(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)

	expired, err := v.Issue(Identity{UserID: "p1", Role: models.RolePassenger}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewJWTVerifier("different").Issue(Identity{UserID: "p1", Role: models.RolePassenger}, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noRole, err := v.Issue(Identity{UserID: "p1", Role: "admin"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(noRole)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHeaderVerifier(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-ID", "p1")
	r.Header.Set("X-User-Role", "Passenger")
	id, err := HeaderVerifier{}.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "p1", Role: models.RolePassenger}, id)

	_, err = HeaderVerifier{}.Verify(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)

	r = httptest.NewRequest("GET", "/ws?user_id=d1&role=driver", nil)
	id, err = HeaderVerifier{}.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDriver, id.Role)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-ID", "x")
	r.Header.Set("X-User-Role", "system")
	_, err = HeaderVerifier{}.Verify(r)
	assert.ErrorIs(t, err, ErrInvalidToken, "system role is never accepted from clients")
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(httptest.NewRequest("GET", "/", nil).Context(), Identity{UserID: "p1", Role: models.RolePassenger})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "p1", id.UserID)
}
