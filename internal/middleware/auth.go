// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/tripmate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// ErrInvalidToken はアクセストークンの検証に失敗したことを表す。
var ErrInvalidToken = errors.New("middleware: invalid token")

// TokenVerifier はアクセストークンを検証し、主体のユーザーIDを返す。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Claims はアクセストークンのクレーム。主体はsub、なければuser_idから取り出す。
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier はHS256で署名されたJWTを検証する。トークンの発行は外部の認証基盤が行う。
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption はJWTVerifierの任意設定。
type JWTOption func(*JWTVerifier)

// WithIssuer はissクレームの期待値を設定する。
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithLeeway は有効期限判定の許容誤差を設定する。
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

// NewJWTVerifier はJWTVerifierを生成する。
func NewJWTVerifier(secret string, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: []byte(secret), leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify はトークンの署名・有効期限を検証し、主体のユーザーIDを返す。
func (v *JWTVerifier) Verify(tokenStr string) (string, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return "", fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	return subject, nil
}

// NewAuthMiddleware はAuthorization: Bearerヘッダーのトークンを検証し、
// 認証済みユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("access token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
