package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

const issuer = "bill-acceptor"

// 操作员角色
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// OperatorClaims 操作员令牌
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CanControl 是否允许控制纸币器
func (c *OperatorClaims) CanControl() bool {
	return c.Role == RoleOperator
}

// JWTManager JWT管理器
type JWTManager struct {
	secretKey []byte
	expiry    time.Duration
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(secretKey string, expiry time.Duration) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
		expiry:    expiry,
	}
}

// Expiry 令牌有效期
func (j *JWTManager) Expiry() time.Duration {
	return j.expiry
}

// GenerateToken 生成操作员令牌
func (j *JWTManager) GenerateToken(operator, role string) (string, error) {
	if operator == "" {
		return "", apperrors.New(apperrors.ErrInvalidParam, "operator required")
	}
	if role == "" {
		role = RoleOperator
	}

	now := time.Now()
	claims := &OperatorClaims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   operator,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken 验证令牌
func (j *JWTManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(err, apperrors.ErrTokenExpired)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrTokenInvalid)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, apperrors.New(apperrors.ErrTokenInvalid)
	}
	return claims, nil
}
