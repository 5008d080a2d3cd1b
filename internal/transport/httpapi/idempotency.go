package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
	maxIdempotentBody    = 1 << 20
)

var (
	errIdempotencyReused = &domain.Error{
		Kind:    domain.KindValidation,
		Code:    "idempotency_key_reused",
		Message: "idempotency key is already used with different request payload",
	}
	errIdempotencyProcessing = &domain.Error{
		Kind:    domain.KindConflict,
		Code:    "idempotency_in_progress",
		Message: "request with the same idempotency key is already processing",
	}
)

// bodyRecorder дублирует тело ответа для сохранения под ключом.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency обрабатывает заголовок Idempotency-Key.
//
// Тот же ключ с тем же телом возвращает сохранённый ответ, с другим телом
// отклоняется, а пока первый запрос выполняется, повтор получает 409.
// Ключи действуют в пределах пользователя. Без заголовка запрос проходит как есть.
func Idempotency(repo domain.IdempotencyRepository, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if repo == nil || key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			abortWith(c, domain.ValidationFailed(map[string]string{
				"idempotency_key": "must be at most 255 characters",
			}))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxIdempotentBody))
		if err != nil {
			message := "unreadable request body"
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				message = "request body is too large"
			}
			abortWith(c, domain.ValidationFailed(map[string]string{"body": message}))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		scoped := domain.IdempotencyScope(currentUser(c), key)
		entry := logger.WithField("idempotency_key", key)
		hash := requestHash(c.Request.Method, c.Request.URL.Path, body)

		ctx := c.Request.Context()
		record, err := repo.CreateProcessing(ctx, scoped, hash, time.Now().UTC().Add(domain.DefaultIdempotencyTTL))
		if err != nil {
			replayIdempotency(c, entry, err, record)
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		// Результат сохраняется, даже если клиент уже отключился.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		status := rec.Status()
		if status < http.StatusBadRequest {
			err = repo.MarkDone(storeCtx, scoped, rec.body.Bytes(), status)
		} else {
			err = repo.MarkFailed(storeCtx, scoped, rec.body.Bytes(), status)
		}
		if err != nil {
			entry.WithError(err).Warn("failed to store idempotent response")
		}
	}
}

func replayIdempotency(c *gin.Context, logger *log.Entry, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		abortWith(c, errIdempotencyReused)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Status.Terminal():
			if !record.Replayable() {
				logger.Warn("idempotency cache is empty")
				abortWith(c, errors.New("idempotency cache is empty"))
				return
			}
			c.Header(HeaderIdempotentReplay, "true")
			c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
			c.Abort()
		case record.Status == domain.IdempotencyStatusProcessing:
			abortWith(c, errIdempotencyProcessing)
		default:
			logger.WithField("status", record.Status).Warn("unknown idempotency record status")
			abortWith(c, errors.New("unknown idempotency record status"))
		}
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		abortWith(c, createErr)
	}
}

// requestHash не зависит от пробелов в JSON-теле.
func requestHash(method, path string, body []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err == nil {
		body = compact.Bytes()
	}

	payload := make([]byte, 0, len(method)+len(path)+2+len(body))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
