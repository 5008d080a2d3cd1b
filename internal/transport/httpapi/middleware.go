package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderAdminKey = "X-Admin-Key"
	HeaderUserID   = "X-User-ID"

	userIDKey = "user_id"
)

var (
	errInvalidAPIKey = domain.ErrUnauthenticated.WithMessage("invalid api key")
	errInvalidToken  = domain.ErrUnauthenticated.WithMessage("invalid or expired token")
	errAdminOnly     = domain.ErrForbidden.WithMessage("admin key required")
	errRateLimited   = &domain.Error{Kind: domain.KindBusinessRule, Code: "rate_limited", Message: "rate limit exceeded"}
)

// APIKey пропускает запрос только с верным X-API-Key. Пустой ключ отключает проверку.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		if !equalSecret(c.GetHeader(HeaderAPIKey), key) {
			abortWith(c, errInvalidAPIKey)
			return
		}
		c.Next()
	}
}

// AdminKey защищает служебные маршруты. Без настроенного ключа они закрыты.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || !equalSecret(c.GetHeader(HeaderAdminKey), key) {
			abortWith(c, errAdminOnly)
			return
		}
		c.Next()
	}
}

// Identity определяет покупателя.
// С секретом JWT нужен Bearer-токен с claim sub (или user_id), иначе берётся X-User-ID.
func Identity(jwtSecret string) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		var userID string
		if jwtSecret != "" {
			id, err := userFromToken(c.GetHeader("Authorization"), secret)
			if err != nil {
				abortWith(c, err)
				return
			}
			userID = id
		} else {
			userID = strings.TrimSpace(c.GetHeader(HeaderUserID))
		}

		if userID == "" {
			abortWith(c, domain.ErrUnauthenticated)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func userFromToken(header string, secret []byte) (string, error) {
	if header == "" {
		return "", domain.ErrUnauthenticated
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errInvalidToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	for _, name := range []string{"sub", "user_id"} {
		if v, ok := claims[name].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", errInvalidToken
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func equalSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RateLimiter ограничивает частоту запросов с одного IP.
type RateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*rate.Limiter
	rate  rate.Limit
	burst int
}

// NewRateLimiter создаёт лимитер на perMinute запросов в минуту с всплеском burst.
// При perMinute <= 0 возвращает nil, ограничение отключено.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		ips:   make(map[string]*rate.Limiter),
		rate:  rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.ips[ip]; ok {
		return l
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	rl.ips[ip] = l
	return l
}

// Middleware возвращает 429 при превышении лимита. nil-лимитер пропускает всё.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil {
			c.Next()
			return
		}
		if !rl.limiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorEnvelope(errRateLimited))
			return
		}
		c.Next()
	}
}

// AccessLog пишет строку лога на каждый запрос.
func AccessLog(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    status,
			"latency":   time.Since(start),
			"client_ip": c.ClientIP(),
			"body_size": c.Writer.Size(),
		})
		if user := currentUser(c); user != "" {
			entry = entry.WithField("user_id", user)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http request")
		case status >= http.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}
