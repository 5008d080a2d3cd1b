package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxFunc выполняется внутри одной транзакции хранилища.
type TxFunc func(ctx context.Context, tx Tx) error

// Store — единица атомарности: все записи внутри WithinTx либо видны вместе, либо не видны вовсе.
type Store interface {
	// WithinTx открывает транзакцию, вызывает fn и фиксирует её, если fn вернула nil.
	WithinTx(ctx context.Context, fn TxFunc) error
	// Outbox возвращает outbox-репозиторий вне транзакции (для воркера публикации).
	Outbox() OutboxRepository
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// Tx — набор репозиториев, привязанных к одной транзакции.
type Tx interface {
	Products() ProductRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Timeline() TimelineRepository
	Outbox() OutboxRepository
}

// ProductRepository — доступ к строкам товаров. Каталогом владеет внешняя система.
type ProductRepository interface {
	Get(ctx context.Context, id string) (Product, error)
	// GetForUpdate блокирует строку товара до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Product, error)
	// DecrementStock условно уменьшает остаток: только активный товар и stock >= qty.
	// ok=false, если условие не выполнено.
	DecrementStock(ctx context.Context, id string, qty int) (ok bool, err error)
	// IncrementStock увеличивает остаток без проверок.
	IncrementStock(ctx context.Context, id string, qty int) error
}

// OrderRepository хранит заказы вместе с позициями.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	// GetForUpdate блокирует строку заказа до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Order, error)
	NumberExists(ctx context.Context, orderNumber string) (bool, error)
	// Save сохраняет изменяемую часть заказа с проверкой версии.
	Save(ctx context.Context, order Order) error
	List(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	Summary(ctx context.Context, userID string, recentSince time.Time) (OrderSummary, error)
}

// PaymentRepository хранит платежи и журнал callback.
type PaymentRepository interface {
	Create(ctx context.Context, payment Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	// GetForUpdate блокирует строку платежа до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Payment, error)
	// FindForUpdateByReference ищет платёж по external_id, затем по ссылке шлюза, и блокирует его.
	FindForUpdateByReference(ctx context.Context, externalID, gatewayReference string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	List(ctx context.Context, filter PaymentFilter) ([]Payment, int, error)
	Save(ctx context.Context, payment Payment) error
	RecordCallback(ctx context.Context, callback PaymentCallback) error
	ListCallbacks(ctx context.Context, paymentID string) ([]PaymentCallback, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// PaymentGateway — внешний платёжный шлюз. Вызовы выполняются вне транзакций БД.
type PaymentGateway interface {
	// Name возвращает идентификатор шлюза, который сохраняется в платеже.
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	ExpireIntent(ctx context.Context, gatewayReference string) error
}

// IntentLineItem — строка счёта, включая псевдо-позиции Tax и Shipping.
type IntentLineItem struct {
	Name     string
	Category string
	Quantity int
	Price    decimal.Decimal
}

// IntentCustomer — данные покупателя для шлюза.
type IntentCustomer struct {
	ID    string
	Name  string
	Email string
}

// IntentRequest — параметры создания счёта в шлюзе.
type IntentRequest struct {
	ExternalID         string
	Amount             decimal.Decimal
	Currency           string
	Description        string
	Customer           IntentCustomer
	SuccessRedirectURL string
	FailureRedirectURL string
	Items              []IntentLineItem
	Duration           time.Duration
	Method             PaymentMethod
	Channel            string
}

// Intent — ответ шлюза на создание счёта.
type Intent struct {
	Reference  string
	PaymentURL string
	Status     string
	ExpiresAt  time.Time
	Raw        []byte
}

// Статусы сообщения outbox.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Validate проверяет поля, по которым событие маршрутизируется в брокере.
func (m OutboxMessage) Validate() error {
	fields := make(map[string]string)
	if m.AggregateType == "" {
		fields["aggregate_type"] = "is required"
	}
	if m.AggregateID == "" {
		fields["aggregate_id"] = "is required"
	}
	if m.EventType == "" {
		fields["event_type"] = "is required"
	}
	if len(fields) > 0 {
		return ValidationFailed(fields)
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OldestAge возвращает возраст самого старого pending-события на момент now; ноль, если backlog пуст.
func (s OutboxStats) OldestAge(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() {
		return 0
	}
	return now.Sub(s.OldestPendingAt)
}
