package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Store — in-memory реализация domain.Store для локальной разработки и тестов.
//
// Транзакции сериализуются одним мьютексом; изменения внутри транзакции пишутся
// сразу в общие карты, а журнал отката восстанавливает их, если fn вернула ошибку.
type Store struct {
	mu sync.Mutex

	products  map[string]domain.Product
	orders    map[string]domain.Order
	numbers   map[string]string
	payments  map[string]domain.Payment
	callbacks map[string][]domain.PaymentCallback
	timeline  map[string][]domain.TimelineEvent
	outbox    map[string]*outboxRecord
	outboxSeq int64
	cbSeq     int64
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		orders:    make(map[string]domain.Order),
		numbers:   make(map[string]string),
		payments:  make(map[string]domain.Payment),
		callbacks: make(map[string][]domain.PaymentCallback),
		timeline:  make(map[string][]domain.TimelineEvent),
		outbox:    make(map[string]*outboxRecord),
	}
}

// PutProduct добавляет или заменяет товар каталога.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// Product возвращает текущий снимок товара.
func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// WithinTx выполняет fn под глобальной блокировкой и откатывает изменения при ошибке.
func (s *Store) WithinTx(ctx context.Context, fn domain.TxFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(ctx, tx)
}

// Outbox возвращает outbox-репозиторий; каждый вызов выполняется отдельной транзакцией.
func (s *Store) Outbox() domain.OutboxRepository {
	return &lockedOutbox{store: s}
}

// Ping для памяти всегда успешен.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// memTx — представление хранилища внутри транзакции.
type memTx struct {
	store *Store
	undo  []func()
}

func (tx *memTx) onRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) Products() domain.ProductRepository  { return &productRepository{tx: tx} }
func (tx *memTx) Orders() domain.OrderRepository      { return &orderRepository{tx: tx} }
func (tx *memTx) Payments() domain.PaymentRepository  { return &paymentRepository{tx: tx} }
func (tx *memTx) Timeline() domain.TimelineRepository { return &timelineRepository{tx: tx} }
func (tx *memTx) Outbox() domain.OutboxRepository     { return &outboxRepository{tx: tx} }

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*memTx)(nil)
)
