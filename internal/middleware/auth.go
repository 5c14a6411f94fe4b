package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/utils"
)

const (
	ctxOperator = "operator"
	ctxRole     = "role"
)

// AuthMiddleware JWT认证中间件。jwt为nil时不做认证
type AuthMiddleware struct {
	jwt *utils.JWTManager
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(jwt *utils.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// Enabled 是否启用认证
func (m *AuthMiddleware) Enabled() bool {
	return m.jwt != nil
}

// RequireAuth 需要认证的中间件
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abort(c, apperrors.New(apperrors.ErrAuthentication, "缺少认证令牌"))
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(ctxOperator, claims.Operator)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireControl 需要控制权限（operator角色）
func (m *AuthMiddleware) RequireControl() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		if role, _ := GetRole(c); role != utils.RoleOperator {
			abort(c, apperrors.New(apperrors.ErrAuthorization, "需要操作员权限"))
			return
		}
		c.Next()
	}
}

// OptionalAuth 可选认证，令牌有效时写入操作员信息
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Enabled() {
			if token := extractToken(c); token != "" {
				if claims, err := m.jwt.ValidateToken(token); err == nil {
					c.Set(ctxOperator, claims.Operator)
					c.Set(ctxRole, claims.Role)
				}
			}
		}
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrAuthentication)
	}
	status := appErr.HTTPStatus()
	if status != http.StatusForbidden {
		status = http.StatusUnauthorized
	}
	c.AbortWithStatusJSON(status, apperrors.NewErrorResponse(appErr))
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer <token>
	if bearer := c.GetHeader("Authorization"); bearer != "" {
		parts := strings.SplitN(bearer, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. Query参数，WebSocket连接无法设置请求头
	return c.Query("token")
}

// GetOperator 从上下文获取操作员
func GetOperator(c *gin.Context) (string, bool) {
	if v, exists := c.Get(ctxOperator); exists {
		if name, ok := v.(string); ok {
			return name, true
		}
	}
	return "", false
}

// GetRole 从上下文获取角色
func GetRole(c *gin.Context) (string, bool) {
	if v, exists := c.Get(ctxRole); exists {
		if r, ok := v.(string); ok {
			return r, true
		}
	}
	return "", false
}
