package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 1)

	tokenString, err := manager.GenerateToken("gateway-main")
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := manager.VerifyToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "gateway-main", claims.Principal)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	manager := NewJWTManager("test-secret", 1)
	other := NewJWTManager("another-secret", 1)

	tokenString, err := manager.GenerateToken("gateway-main")
	require.NoError(t, err)

	_, err = other.VerifyToken(tokenString)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	manager := NewJWTManager("test-secret", 1)

	_, err := manager.VerifyToken("not-a-jwt")
	assert.Error(t, err)
}
