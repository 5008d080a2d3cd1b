package inventory

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Line — запрошенное количество товара.
type Line struct {
	ProductID string
	Quantity  int
}

// Ledger управляет остатками товаров внутри транзакции вызывающей стороны.
type Ledger struct {
	logger *log.Entry
}

// NewLedger создаёт складской реестр.
func NewLedger(logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}
	return &Ledger{logger: logger}
}

// Aggregate суммирует количество по товару, сохраняя порядок первого появления.
// Количество каждой строки и итоговая сумма по товару лежат в [1, domain.MaxItemQuantity].
func Aggregate(lines []Line) ([]Line, error) {
	index := make(map[string]int, len(lines))
	result := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 || line.Quantity > domain.MaxItemQuantity {
			return nil, quantityOutOfRange(line.ProductID)
		}
		if i, ok := index[line.ProductID]; ok {
			// Оба слагаемых не больше MaxItemQuantity, переполнения int нет.
			result[i].Quantity += line.Quantity
			if result[i].Quantity > domain.MaxItemQuantity {
				return nil, quantityOutOfRange(line.ProductID)
			}
			continue
		}
		index[line.ProductID] = len(result)
		result = append(result, line)
	}
	return result, nil
}

func quantityOutOfRange(productID string) error {
	return domain.ValidationFailed(map[string]string{
		"items": fmt.Sprintf("Quantity for product %s must be between 1 and %d", productID, domain.MaxItemQuantity),
	})
}

// Check проверяет наличие без блокировок и изменений. Используется для предпросмотра цены.
func (l *Ledger) Check(ctx context.Context, products domain.ProductRepository, lines []Line) (map[string]domain.Product, error) {
	lines, err := Aggregate(lines)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]domain.Product, len(lines))
	for _, line := range lines {
		p, err := products.Get(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		snapshot[p.ID] = p
	}
	if err := validate(lines, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Reserve блокирует строки товаров в порядке id, проверяет их и списывает остатки.
// Возвращает снимок товаров до списания; цены из него фиксируются в заказе.
func (l *Ledger) Reserve(ctx context.Context, products domain.ProductRepository, lines []Line) (map[string]domain.Product, error) {
	lines, err := Aggregate(lines)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]domain.Product, len(lines))
	for _, id := range sortedIDs(lines) {
		p, err := products.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		snapshot[id] = p
	}
	if err := validate(lines, snapshot); err != nil {
		return nil, err
	}

	for _, line := range lines {
		ok, err := products.DecrementStock(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", line.ProductID, err)
		}
		if !ok {
			// Строка заблокирована выше, так что сюда попадаем только при внешней правке каталога.
			p := snapshot[line.ProductID]
			l.logger.WithFields(log.Fields{
				"product_id": line.ProductID,
				"quantity":   line.Quantity,
			}).Warn("conditional stock decrement rejected")
			return nil, domain.InsufficientStock(p.Name, p.Stock)
		}
	}

	return snapshot, nil
}

// Release возвращает остатки без проверки верхней границы.
func (l *Ledger) Release(ctx context.Context, products domain.ProductRepository, lines []Line) error {
	lines, err := Aggregate(lines)
	if err != nil {
		return err
	}
	qty := make(map[string]int, len(lines))
	for _, line := range lines {
		qty[line.ProductID] = line.Quantity
	}

	for _, id := range sortedIDs(lines) {
		if err := products.IncrementStock(ctx, id, qty[id]); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}

// LinesFromItems переводит позиции заказа в строки реестра.
func LinesFromItems(items []domain.OrderItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func validate(lines []Line, snapshot map[string]domain.Product) error {
	for _, line := range lines {
		p := snapshot[line.ProductID]
		if !p.IsActive() {
			return domain.ProductUnavailable(p.Name)
		}
		if !p.HasStock(line.Quantity) {
			return domain.InsufficientStock(p.Name, p.Stock)
		}
	}
	return nil
}

func sortedIDs(lines []Line) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)
	return ids
}
