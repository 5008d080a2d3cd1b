package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Префиксы человекочитаемых номеров.
const (
	OrderNumberPrefix       = "ORD"
	PaymentExternalIDPrefix = "PAY"
)

// NewReference формирует номер вида PREFIX-YYYYMMDD-XXXXXXXX.
// Случайная часть состоит из 8 символов [0-9A-F]; уникальность проверяет хранилище.
func NewReference(prefix string, at time.Time) string {
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return prefix + "-" + at.UTC().Format("20060102") + "-" + random
}
