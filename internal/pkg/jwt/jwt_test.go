package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := New("secret", 30*time.Minute)

	token, expiresAt, err := svc.GenerateToken("admin", "admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), expiresAt, 2*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Scope)
	assert.Equal(t, "admin", claims.Subject)
}

func TestValidateRejectsForeignSecretAndExpiry(t *testing.T) {
	svc := New("secret", time.Minute)
	token, _, err := svc.GenerateToken("admin", "admin")
	require.NoError(t, err)

	_, err = New("other", time.Minute).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := New("secret", time.Minute)
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = later.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNoneAlgAndMissingScope(t *testing.T) {
	svc := New("secret", time.Minute)

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{
		Scope:            "admin",
		RegisteredClaims: jwtlib.RegisteredClaims{Issuer: "jackdisk"},
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noScope, _, err := svc.GenerateToken("admin", "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(noScope)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
