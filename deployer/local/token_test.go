package local

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSignerRoundTrip(t *testing.T) {
	signer, err := NewTokenSigner("s3cret")
	require.NoError(t, err)

	token, err := signer.Sign("default.app", 1, "guid-1")
	require.NoError(t, err)

	claims, err := signer.Parse("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "default.app", claims.Namespace)
	assert.Equal(t, 1, claims.InstanceIndex)
	assert.Equal(t, "default.app-1", claims.Subject)
	assert.Equal(t, "guid-1", claims.ID)
	assert.NotNil(t, claims.IssuedAt)
}

func TestTokenSignerRejectsForeignTokens(t *testing.T) {
	a, err := NewTokenSigner("")
	require.NoError(t, err)
	b, err := NewTokenSigner("")
	require.NoError(t, err)

	token, err := a.Sign("default.app", 0, "guid")
	require.NoError(t, err)

	_, err = b.Parse(token)
	assert.Error(t, err, "random secrets must differ")

	_, err = a.Parse("not-a-jwt")
	assert.Error(t, err)
}

func TestTokenSignerRejectsOtherAlgorithms(t *testing.T) {
	signer, err := NewTokenSigner("s3cret")
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, ManagementClaims{Namespace: "default.app"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = signer.Parse(unsigned)
	assert.Error(t, err)
}
