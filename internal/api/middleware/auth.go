package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/im-server/pkg/response"
)

// CtxUserKey gin.Context 中调用方身份引用（open_id）的 key
const CtxUserKey = "im.user"

// Claims 令牌由外部认证服务签发，这里只做校验；Subject 为用户 open_id
type Claims struct {
	jwt.RegisteredClaims
}

// Auth 校验 Authorization: Bearer <jwt>（HS256），通过后把 subject 写入上下文
func Auth(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		var claims Claims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			response.Unauthorized(c, msg)
			return
		}
		if claims.Subject == "" {
			response.Unauthorized(c, "token has no subject")
			return
		}
		c.Set(CtxUserKey, claims.Subject)
		c.Next()
	}
}

func bearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// UserRef 取调用方身份；未经过 Auth 时为空
func UserRef(c *gin.Context) string { return c.GetString(CtxUserKey) }

// Sign 签发测试与联调用的令牌
func Sign(secret, issuer, subject string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims}).SignedString([]byte(secret))
}
