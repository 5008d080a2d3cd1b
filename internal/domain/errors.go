package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind — категория ошибки, по которой транспортный слой выбирает ответ.
type ErrorKind string

const (
	// KindValidation — некорректный ввод, исправляется повторным запросом.
	KindValidation ErrorKind = "validation_error"
	// KindBusinessRule — нарушение бизнес-правила (нет стока, двойная оплата и т.п.).
	KindBusinessRule ErrorKind = "business_rule_violation"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
	// KindExternal — сбой внешней зависимости (платёжный шлюз).
	KindExternal ErrorKind = "external_dependency_error"
	// KindUnauthorized — отсутствуют или неверны учётные данные, чужой ресурс.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindInternal — всё остальное; детали остаются в логах.
	KindInternal ErrorKind = "internal_error"
)

// Error — типизированная ошибка домена со стабильным машинным кодом.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Fields содержит ошибки по полям для KindValidation.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с детализированными копиями sentinel-ошибок.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithMessage возвращает копию ошибки с уточнённым сообщением.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap возвращает копию ошибки с причиной.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	// ErrValidation — общая ошибка валидации, детали в Fields.
	ErrValidation = newError(KindValidation, "validation_failed", "validation failed")

	ErrProductNotFound    = newError(KindNotFound, "product_not_found", "product not found")
	ErrProductUnavailable = newError(KindBusinessRule, "product_unavailable", "product is not available")
	// ErrInsufficientStock — на складе меньше, чем запрошено.
	ErrInsufficientStock = newError(KindBusinessRule, "insufficient_stock", "insufficient stock")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = newError(KindNotFound, "order_not_found", "order not found")
	// ErrOrderNotCancellable — заказ нельзя отменить в текущем статусе.
	ErrOrderNotCancellable    = newError(KindBusinessRule, "order_not_cancellable", "order cannot be cancelled in current status")
	ErrOrderTransition        = newError(KindBusinessRule, "invalid_order_transition", "invalid order status transition")
	ErrOrderPaymentTransition = newError(KindConflict, "invalid_order_payment_transition", "invalid order payment status transition")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = newError(KindConflict, "order_version_conflict", "order version conflict")
	// ErrOrderNumberTaken — сгенерированный номер заказа уже занят.
	ErrOrderNumberTaken = newError(KindConflict, "order_number_taken", "order number already exists")

	ErrPaymentNotFound = newError(KindNotFound, "payment_not_found", "payment not found")
	// ErrDuplicatePayment — у заказа уже есть успешный платёж.
	ErrDuplicatePayment = newError(KindBusinessRule, "duplicate_payment", "order already has successful payment")
	// ErrPaymentInProgress — у заказа уже есть незавершённый платёж.
	ErrPaymentInProgress = newError(KindBusinessRule, "payment_in_progress", "order already has a pending payment")
	// ErrOrderNotPayable — заказ отменён и не принимает платежи.
	ErrOrderNotPayable = newError(KindBusinessRule, "order_not_payable", "order cannot be paid in current status")
	// ErrPaymentNotCancellable — платёж уже не в статусе pending.
	ErrPaymentNotCancellable = newError(KindBusinessRule, "payment_not_cancellable", "payment cannot be cancelled in current status")
	// ErrPaymentStatusConflict — противоречащий терминальный статус от шлюза.
	ErrPaymentStatusConflict = newError(KindConflict, "payment_status_conflict", "payment is already in a different terminal status")
	// ErrGateway — ошибка платёжного шлюза при создании платежа.
	ErrGateway = newError(KindExternal, "gateway_error", "payment gateway request failed")

	// ErrInvalidSignature — callback не прошёл проверку токена или подписи.
	ErrInvalidSignature = newError(KindUnauthorized, "invalid_signature", "invalid callback signature")
	// ErrUnauthenticated — запрос без идентичности покупателя.
	ErrUnauthenticated = newError(KindUnauthorized, "unauthenticated", "authentication required")
	// ErrForbidden — ресурс принадлежит другому пользователю.
	ErrForbidden = newError(KindUnauthorized, "forbidden", "access to this resource is denied")

	// ErrOutboxPublish — ошибка при обновлении сообщения outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// Ошибки ключей идемпотентности.
var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ValidationFailed собирает ошибки по полям в одну ошибку валидации.
func ValidationFailed(fields map[string]string) *Error {
	cp := *ErrValidation
	cp.Fields = fields
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+fields[k])
		}
		cp.Message = "validation failed: " + strings.Join(parts, "; ")
	}
	return &cp
}

// InsufficientStock формирует ошибку с названием товара и текущим остатком.
func InsufficientStock(productName string, available int) *Error {
	return ErrInsufficientStock.WithMessage("Insufficient stock for product %s. Available: %d", productName, available)
}

// ProductUnavailable формирует ошибку для неактивного товара.
func ProductUnavailable(productName string) *Error {
	return ErrProductUnavailable.WithMessage("Product %s is not available", productName)
}

// ProductNotFound формирует ошибку для отсутствующего товара.
func ProductNotFound(productID string) *Error {
	return ErrProductNotFound.WithMessage("Product %s not found", productID)
}

// KindOf возвращает категорию ошибки; неизвестные ошибки считаются внутренними.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет конфликт повторного использования ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
