package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager("test-secret-key", time.Hour)
}

// 测试生成并验证令牌
func (suite *JWTTestSuite) TestGenerateAndValidate() {
	token, err := suite.manager.GenerateToken("alice", RoleOperator)
	suite.Require().NoError(err)
	suite.NotEmpty(token)

	claims, err := suite.manager.ValidateToken(token)
	suite.Require().NoError(err)
	suite.Equal("alice", claims.Operator)
	suite.Equal(RoleOperator, claims.Role)
	suite.Equal("alice", claims.Subject)
	suite.NotEmpty(claims.ID)
	suite.True(claims.CanControl())
}

// 测试默认角色
func (suite *JWTTestSuite) TestDefaultRole() {
	token, err := suite.manager.GenerateToken("bob", "")
	suite.Require().NoError(err)

	claims, err := suite.manager.ValidateToken(token)
	suite.Require().NoError(err)
	suite.Equal(RoleOperator, claims.Role)
}

// 测试只读角色
func (suite *JWTTestSuite) TestViewerCannotControl() {
	token, _ := suite.manager.GenerateToken("carol", RoleViewer)
	claims, err := suite.manager.ValidateToken(token)
	suite.Require().NoError(err)
	suite.False(claims.CanControl())
}

// 测试缺少操作员
func (suite *JWTTestSuite) TestEmptyOperator() {
	_, err := suite.manager.GenerateToken("", RoleOperator)
	suite.True(apperrors.Is(err, apperrors.ErrInvalidParam))
}

// 测试验证无效令牌
func (suite *JWTTestSuite) TestValidateInvalidToken() {
	_, err := suite.manager.ValidateToken("invalid.token.here")
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))
}

// 测试错误的密钥
func (suite *JWTTestSuite) TestWrongSecret() {
	token, _ := NewJWTManager("other-secret", time.Hour).GenerateToken("alice", RoleOperator)

	_, err := suite.manager.ValidateToken(token)
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))
}

// 测试过期令牌
func (suite *JWTTestSuite) TestExpiredToken() {
	expired := NewJWTManager("test-secret-key", -time.Minute)
	token, err := expired.GenerateToken("alice", RoleOperator)
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.True(apperrors.Is(err, apperrors.ErrTokenExpired))
}

// 测试非HMAC签名
func (suite *JWTTestSuite) TestRejectsNoneAlgorithm() {
	claims := &OperatorClaims{
		Operator: "mallory",
		Role:     RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	suite.Require().NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
