package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
	PaymentStatusExpired PaymentStatus = "expired"
	// PaymentStatusCancelled — платёж отменён покупателем или системой.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentMethod — способ оплаты, запрошенный покупателем.
type PaymentMethod string

const (
	PaymentMethodVirtualAccount PaymentMethod = "virtual_account"
	PaymentMethodCreditCard     PaymentMethod = "credit_card"
	PaymentMethodEWallet        PaymentMethod = "ewallet"
	PaymentMethodRetailOutlet   PaymentMethod = "retail_outlet"
	PaymentMethodQRCode         PaymentMethod = "qr_code"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodVirtualAccount, PaymentMethodCreditCard, PaymentMethodEWallet,
		PaymentMethodRetailOutlet, PaymentMethodQRCode:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusPending || s.IsTerminal()
}

// vendorStatuses сопоставляет статусы разных семейств методов оплаты каноническим.
var vendorStatuses = map[string]PaymentStatus{
	"PENDING":    PaymentStatusPending,
	"ACTIVE":     PaymentStatusPending,
	"PAID":       PaymentStatusPaid,
	"SETTLED":    PaymentStatusPaid,
	"COMPLETED":  PaymentStatusPaid,
	"SUCCEEDED":  PaymentStatusPaid,
	"CAPTURED":   PaymentStatusPaid,
	"AUTHORIZED": PaymentStatusPaid,
	"FAILED":     PaymentStatusFailed,
	"EXPIRED":    PaymentStatusExpired,
	"CANCELLED":  PaymentStatusCancelled,
	"CANCELED":   PaymentStatusCancelled,
	"VOIDED":     PaymentStatusCancelled,
}

// NormalizeGatewayStatus переводит статус шлюза в канонический.
// ok=false для нераспознанных статусов: их сохраняют как есть, без перехода.
func NormalizeGatewayStatus(raw string) (PaymentStatus, bool) {
	status, ok := vendorStatuses[strings.ToUpper(strings.TrimSpace(raw))]
	return status, ok
}

// CallbackOutcome — результат применения статуса от шлюза.
type CallbackOutcome string

const (
	OutcomeApplied CallbackOutcome = "applied"
	// OutcomeDuplicate — повтор уже применённого терминального статуса.
	OutcomeDuplicate CallbackOutcome = "duplicate"
	// OutcomeConflict — противоречащий терминальный статус, отклонён.
	OutcomeConflict CallbackOutcome = "conflict"
	// OutcomeIgnored — статус неизвестен или не требует перехода.
	OutcomeIgnored CallbackOutcome = "ignored"
)

// Settlement — детали, пришедшие вместе со статусом.
type Settlement struct {
	PaidAmount    *decimal.Decimal
	PaidAt        *time.Time
	Method        string
	Channel       string
	Fee           decimal.Decimal
	FailureReason string
	Payload       []byte
}

// PaymentState — изменяемая часть платежа. Меняется только методами переходов.
type PaymentState struct {
	Status        PaymentStatus
	GatewayStatus string
	Method        string
	Channel       string
	PaidAmount    *decimal.Decimal
	PaidAt        *time.Time
	Fee           decimal.Decimal
	FailureReason string
	CallbackData  []byte
	UpdatedAt     time.Time
}

// Payment — одна попытка оплаты заказа.
type Payment struct {
	ID               string
	OrderID          string
	UserID           string
	ExternalID       string
	Gateway          string
	GatewayReference string
	PaymentURL       string
	Amount           decimal.Decimal
	Currency         string
	ExpiresAt        time.Time
	GatewayResponse  []byte
	CreatedAt        time.Time

	state PaymentState
}

// PaymentDraft — данные для создания платежа после ответа шлюза.
type PaymentDraft struct {
	ID               string
	OrderID          string
	UserID           string
	ExternalID       string
	Gateway          string
	GatewayReference string
	PaymentURL       string
	Method           PaymentMethod
	Channel          string
	Amount           decimal.Decimal
	Currency         string
	ExpiresAt        time.Time
	GatewayStatus    string
	GatewayResponse  []byte
}

// NewPayment создаёт платёж в статусе pending. Сырой статус шлюза сохраняется
// в GatewayStatus; завершённый начальный статус применяется отдельно через ApplyGatewayStatus.
func NewPayment(d PaymentDraft, at time.Time) Payment {
	return Payment{
		ID:               d.ID,
		OrderID:          d.OrderID,
		UserID:           d.UserID,
		ExternalID:       d.ExternalID,
		Gateway:          d.Gateway,
		GatewayReference: d.GatewayReference,
		PaymentURL:       d.PaymentURL,
		Amount:           d.Amount,
		Currency:         d.Currency,
		ExpiresAt:        d.ExpiresAt,
		GatewayResponse:  append([]byte(nil), d.GatewayResponse...),
		CreatedAt:        at,
		state: PaymentState{
			Status:        PaymentStatusPending,
			GatewayStatus: strings.TrimSpace(d.GatewayStatus),
			Method:        string(d.Method),
			Channel:       d.Channel,
			Fee:           decimal.Zero,
			UpdatedAt:     at,
		},
	}
}

// RestorePayment восстанавливает состояние платежа, прочитанного из хранилища.
func RestorePayment(p Payment, state PaymentState) Payment {
	p.state = state
	return p
}

func (p Payment) Status() PaymentStatus        { return p.state.Status }
func (p Payment) GatewayStatus() string        { return p.state.GatewayStatus }
func (p Payment) Method() string               { return p.state.Method }
func (p Payment) Channel() string              { return p.state.Channel }
func (p Payment) PaidAmount() *decimal.Decimal { return p.state.PaidAmount }
func (p Payment) PaidAt() *time.Time           { return p.state.PaidAt }
func (p Payment) Fee() decimal.Decimal         { return p.state.Fee }
func (p Payment) FailureReason() string        { return p.state.FailureReason }
func (p Payment) CallbackData() []byte         { return p.state.CallbackData }
func (p Payment) UpdatedAt() time.Time         { return p.state.UpdatedAt }

// State возвращает копию изменяемой части для сохранения.
func (p Payment) State() PaymentState { return p.state }

// IsPending сообщает, что платёж ещё не завершён.
func (p Payment) IsPending() bool { return p.state.Status == PaymentStatusPending }

// IsExpiredAt проверяет истечение срока оплаты.
func (p Payment) IsExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// ApplyGatewayStatus применяет статус из callback.
//
// Повтор терминального статуса ничего не меняет (OutcomeDuplicate). Другой терминальный
// статус поверх терминального отклоняется (OutcomeConflict) без изменений.
// Нераспознанный статус сохраняется в GatewayStatus без перехода, в том числе у
// завершённого платежа. Поздний pending завершённый платёж не меняет.
func (p *Payment) ApplyGatewayStatus(raw string, s Settlement, at time.Time) CallbackOutcome {
	target, known := NormalizeGatewayStatus(raw)
	current := p.state.Status

	if current.IsTerminal() {
		switch {
		case known && target == current:
			return OutcomeDuplicate
		case known && target.IsTerminal():
			return OutcomeConflict
		case !known:
			// Неизвестный статус сохраняется для аудита, статус и расчёт не меняются.
			p.state.GatewayStatus = strings.TrimSpace(raw)
			p.state.UpdatedAt = at
			return OutcomeIgnored
		default:
			return OutcomeIgnored
		}
	}

	p.state.GatewayStatus = strings.TrimSpace(raw)
	p.state.CallbackData = append([]byte(nil), s.Payload...)
	p.state.UpdatedAt = at

	if !known || target == PaymentStatusPending {
		return OutcomeIgnored
	}

	p.state.Status = target
	switch target {
	case PaymentStatusPaid:
		amount := p.Amount
		if s.PaidAmount != nil {
			amount = *s.PaidAmount
		}
		paidAt := at
		if s.PaidAt != nil && !s.PaidAt.IsZero() {
			paidAt = *s.PaidAt
		}
		p.state.PaidAmount = &amount
		p.state.PaidAt = &paidAt
		p.state.Fee = s.Fee
		if s.Method != "" {
			p.state.Method = s.Method
		}
		if s.Channel != "" {
			p.state.Channel = s.Channel
		}
	case PaymentStatusFailed:
		reason := s.FailureReason
		if reason == "" {
			reason = "Payment failed"
		}
		p.state.FailureReason = reason
	case PaymentStatusExpired, PaymentStatusCancelled:
		if s.FailureReason != "" {
			p.state.FailureReason = s.FailureReason
		}
	}

	return OutcomeApplied
}

// Cancel отменяет платёж; допустимо только из pending.
func (p *Payment) Cancel(at time.Time) error {
	if p.state.Status != PaymentStatusPending {
		return ErrPaymentNotCancellable.WithMessage(
			"Payment %s cannot be cancelled in status %s", p.ExternalID, p.state.Status)
	}
	p.state.Status = PaymentStatusCancelled
	p.state.UpdatedAt = at
	return nil
}

// PaymentCallback — запись аудита входящего callback.
type PaymentCallback struct {
	ID         int64
	PaymentID  string
	Source     string
	RawStatus  string
	Outcome    CallbackOutcome
	Payload    []byte
	ReceivedAt time.Time
}

// GatewayCallback — нормализованное уведомление шлюза о статусе платежа.
type GatewayCallback struct {
	// Source — источник callback (xendit, stripe и т.п.).
	Source string
	// ExternalID — наш внешний номер платежа; основной ключ поиска.
	ExternalID string
	// GatewayReference — идентификатор счёта в шлюзе; запасной ключ поиска.
	GatewayReference string
	Status           string
	Settlement       Settlement
}
