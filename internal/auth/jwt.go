package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/qiuyier/medlink-bus/internal/consts"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Grant 客户端可发布的 topic pattern 与可订阅的 pattern
type Grant struct {
	Publish   []string `json:"pub,omitempty"`
	Subscribe []string `json:"sub,omitempty"`
}

type Claims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"` // doctor, patient, service
	DeviceID string `json:"device_id"`
	Grant    Grant  `json:"grant"`
	jwt.RegisteredClaims
}

// CanPublish service 角色不受限，其余角色需命中某个发布 pattern
func (c *Claims) CanPublish(topic string) bool {
	if c.Role == consts.ServiceRole {
		return true
	}
	return slices.ContainsFunc(c.Grant.Publish, func(p string) bool {
		return broker.Match(p, topic)
	})
}

// CanSubscribe 请求的 pattern 与授权 pattern 相同，或不含通配符且被授权 pattern 匹配
func (c *Claims) CanSubscribe(pattern string) bool {
	if c.Role == consts.ServiceRole {
		return true
	}
	wildcard := broker.HasWildcard(pattern)
	return slices.ContainsFunc(c.Grant.Subscribe, func(p string) bool {
		return p == pattern || p == "#" || (!wildcard && broker.Match(p, pattern))
	})
}

type JWTAuth struct {
	secret     []byte
	expireTime time.Duration
}

func NewJWTAuth(secret string, expireTime time.Duration) *JWTAuth {
	return &JWTAuth{
		secret:     []byte(secret),
		expireTime: expireTime,
	}
}

// GenerateToken 生成 token
func (j *JWTAuth) GenerateToken(userID, role, deviceID string, grant Grant) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Role:     role,
		DeviceID: deviceID,
		Grant:    grant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expireTime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(j.secret)
}

func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
