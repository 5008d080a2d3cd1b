// Package health собирает проверки зависимостей магазина для probe-эндпоинтов.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	defaultCheckTimeout = 2 * time.Second
	maxParallelChecks   = 8
)

// Status — итоговое состояние проверки.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет одну зависимость.
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckFunc превращает функцию пинга в Checker.
type CheckFunc func(ctx context.Context) error

// Check выполняет функцию и замеряет время.
func (f CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	err := f(ctx)
	check := Check{Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Option настраивает регистрацию проверки.
type Option func(*registration)

// Optional помечает зависимость как необязательную: её отказ даёт degraded.
func Optional() Option {
	return func(r *registration) { r.critical = false }
}

type registration struct {
	checker  Checker
	critical bool
}

// Handler обслуживает /healthz и /readyz.
type Handler struct {
	mu           sync.RWMutex
	checks       map[string]registration
	version      string
	startTime    time.Time
	checkTimeout time.Duration
	logger       *log.Entry
}

// NewHandler создаёт обработчик без зарегистрированных проверок.
func NewHandler(version string) *Handler {
	return &Handler{
		checks:       make(map[string]registration),
		version:      version,
		startTime:    time.Now(),
		checkTimeout: defaultCheckTimeout,
		logger:       log.WithField("component", "health"),
	}
}

// RegisterChecker добавляет проверку; по умолчанию зависимость критическая.
func (h *Handler) RegisterChecker(name string, checker Checker, opts ...Option) {
	reg := registration{checker: checker, critical: true}
	for _, opt := range opts {
		opt(&reg)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = reg
}

// Names возвращает имена зарегистрированных проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run выполняет все проверки параллельно и сводит общий статус.
func (h *Handler) Run(ctx context.Context) (map[string]Check, Status) {
	h.mu.RLock()
	regs := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		regs[name] = reg
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]Check, len(regs))
		g       errgroup.Group
	)
	g.SetLimit(maxParallelChecks)
	for name, reg := range regs {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
			defer cancel()

			check := reg.checker.Check(checkCtx)
			check.Name = name
			check.Critical = reg.critical
			if !reg.critical && check.Status == StatusUnhealthy {
				check.Status = StatusDegraded
			}

			mu.Lock()
			results[name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, check := range results {
		switch check.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
			h.logger.WithFields(log.Fields{
				"check": check.Name,
				"error": check.Message,
			}).Warn("health check failed")
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return results, overall
}

// ServeHTTP отдаёт подробный отчёт; degraded не снимает инстанс с трафика.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overall := h.Run(r.Context())

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler возвращает 503, пока недоступна хотя бы одна критическая зависимость.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if _, status := h.Run(r.Context()); status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// StoreChecker пингует хранилище заказов.
func StoreChecker(store domain.Store) Checker {
	return CheckFunc(store.Ping)
}

// OutboxBacklogChecker сообщает degraded, когда самое старое неопубликованное
// событие ждёт дольше maxAge.
type OutboxBacklogChecker struct {
	repo   domain.OutboxRepository
	maxAge time.Duration
	now    func() time.Time
}

func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.repo.Stats(ctx)
	check := Check{Status: StatusHealthy}

	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case stats.OldestAge(c.now()) > 0:
		age := stats.OldestAge(c.now())
		check.Message = fmt.Sprintf("%d pending events, oldest %s", stats.PendingCount, age.Truncate(time.Second))
		if c.maxAge > 0 && age > c.maxAge {
			check.Status = StatusDegraded
		}
	}

	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
