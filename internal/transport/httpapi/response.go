package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// envelope — общий формат ответов API.
type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Error   *errorBody        `json:"error,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type errorBody struct {
	Kind domain.ErrorKind `json:"kind"`
	Code string           `json:"code"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

// StatusFor сопоставляет ошибку домена HTTP-статусу.
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrForbidden) {
		return http.StatusForbidden
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindBusinessRule:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindExternal:
		return http.StatusBadGateway
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errorEnvelope строит тело ответа; у внутренних ошибок детали не раскрываются.
func errorEnvelope(err error) envelope {
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind == domain.KindInternal {
		return envelope{
			Message: "internal server error",
			Error:   &errorBody{Kind: domain.KindInternal, Code: "internal_error"},
		}
	}
	return envelope{
		Message: de.Message,
		Error:   &errorBody{Kind: de.Kind, Code: de.Code},
		Errors:  de.Fields,
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	entry := h.logger.WithError(err).WithFields(log.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.AbortWithStatusJSON(status, errorEnvelope(err))
}

// abortWith завершает запрос ошибкой домена без записи в лог.
func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), errorEnvelope(err))
}
