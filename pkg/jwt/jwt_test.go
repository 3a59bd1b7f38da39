package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	accessExpiry := 15 * time.Minute

	manager := NewJWTManager(secret, "callrelay-api", accessExpiry)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, "callrelay-api", manager.audience)
	assert.Equal(t, accessExpiry, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "callrelay-api", 15*time.Minute)

	token, err := manager.GenerateAccessToken("42", "testuser", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "testuser", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "", 1*time.Nanosecond)

	token, err := manager.GenerateAccessToken("42", "testuser", "user")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "", 15*time.Minute)

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager("secret-1", "", 15*time.Minute)
	token, err := manager1.GenerateAccessToken("42", "testuser", "user")
	require.NoError(t, err)

	manager2 := NewJWTManager("secret-2", "", 15*time.Minute)
	claims, err := manager2.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	issuer := NewJWTManager("test-secret", "other-api", 15*time.Minute)
	token, err := issuer.GenerateAccessToken("42", "testuser", "user")
	require.NoError(t, err)

	claims, err := NewJWTManager("test-secret", "callrelay-api", 15*time.Minute).ValidateToken(token)

	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
	assert.Nil(t, claims)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{
		UserID: "42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", "", time.Minute).ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestValidateToken_RequiresUserID(t *testing.T) {
	manager := NewJWTManager("test-secret", "", 15*time.Minute)
	token, err := manager.GenerateAccessToken("", "testuser", "user")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenID(t *testing.T) {
	manager := NewJWTManager("test-secret", "", 15*time.Minute)
	token, err := manager.GenerateAccessToken("42", "testuser", "user")
	require.NoError(t, err)

	id, err := TokenID(token)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = TokenID("garbage")
	assert.Error(t, err)
}
