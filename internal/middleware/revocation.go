package middleware

import (
	"context"
	"fmt"

	"callrelay-backend/internal/database"
	"callrelay-backend/pkg/jwt"
)

// RevokedTokenPrefix keys the blacklist entries written by the auth service
const RevokedTokenPrefix = "blacklist:"

// RedisRevocationChecker implements RevocationChecker using Redis
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist. Returns an
// error while Redis is degraded.
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	jti, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if jti == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, RevokedTokenPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
