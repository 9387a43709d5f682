package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/qrggif/internal/config"
	"github.com/example/qrggif/internal/logging"
)

// RequestIDHeader carries a caller-chosen request id for admin calls.
const RequestIDHeader = "X-Request-ID"

var (
	ErrNoSecret     = errors.New("auth: signing secret not configured")
	ErrMissingToken = errors.New("auth: bearer token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSubject    = errors.New("auth: token has no subject")
)

type contextKey struct{}

// WithSubject records the authenticated administrator on ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// GetSubject returns the administrator authenticated for ctx.
func GetSubject(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	subject, ok := ctx.Value(contextKey{}).(string)
	return subject, ok && subject != ""
}

// Authenticator checks HMAC-signed administrator tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
	logger *zap.Logger
}

// New builds an Authenticator from the auth section. An empty audience
// accepts tokens issued for any audience; an empty secret rejects every token.
func New(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		parser: jwt.NewParser(opts...),
		logger: logger.Named("auth"),
	}
}

// Authenticate validates the Authorization header value and returns the
// token's subject.
func (a *Authenticator) Authenticate(header string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	scheme, raw, found := strings.Cut(strings.TrimSpace(header), " ")
	raw = strings.TrimSpace(raw)
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with 401. Accepted requests get
// the subject and a request id in their context; the request id is taken
// from X-Request-ID when present.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := a.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			a.logger.Info("admin request rejected",
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": publicReason(err)})
			return
		}

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := WithSubject(c.Request.Context(), subject)
		ctx = logging.ContextWithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

func publicReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "authorization header required"
	case errors.Is(err, ErrNoSubject):
		return "missing subject"
	default:
		return "invalid token"
	}
}

// JWTMiddleware is New(...).Middleware() without logging.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	return New(config.AuthConfig{Secret: secret, Audience: audience}, nil).Middleware()
}
