// Package alerts records security and risk alerts raised by the pipeline and
// fans them out to external notifiers.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/metrics"
)

// Level is an alert severity.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelSecurity Level = "SECURITY"
	LevelWarning  Level = "WARNING"
	LevelInfo     Level = "INFO"
)

// AllLevels lists levels from most to least severe.
var AllLevels = []Level{LevelCritical, LevelSecurity, LevelWarning, LevelInfo}

// Rank orders levels; higher is more severe. Unknown levels rank lowest.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 4
	case LevelSecurity:
		return 3
	case LevelWarning:
		return 2
	case LevelInfo:
		return 1
	default:
		return 0
	}
}

// DefaultHistorySize bounds the in-memory alert history.
const DefaultHistorySize = 100

const deliveryTimeout = 15 * time.Second

// Alert is a single notification.
type Alert struct {
	ID        string         `json:"id"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notifier delivers alerts somewhere outside the process.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *Alert) error
}

// Service keeps recent alerts and dispatches them to notifiers.
// Notify never blocks on delivery.
type Service struct {
	mu        sync.RWMutex
	history   []*Alert // ring buffer
	next      int
	full      bool
	notifiers []Notifier
	inflight  sync.WaitGroup
	logger    *slog.Logger
}

// NewService creates an alert service with a history of DefaultHistorySize.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		history: make([]*Alert, DefaultHistorySize),
		logger:  logger,
	}
}

// WithNotifier adds a delivery target. Call before the service is shared.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// Notify records an alert and dispatches it asynchronously.
func (s *Service) Notify(ctx context.Context, level Level, title, message string, meta map[string]any) *Alert {
	alert := &Alert{
		ID:        idgen.WithPrefix(idgen.PrefixAlert),
		Level:     level,
		Title:     title,
		Message:   message,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.history[s.next] = alert
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	s.logger.Log(ctx, logLevel(level), "alert raised",
		"alert_id", alert.ID,
		"level", level,
		"title", title,
	)

	// Delivery outlives the request that raised the alert.
	dctx := context.WithoutCancel(ctx)
	for _, n := range s.notifiers {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("alert notifier panicked", "notifier", n.Name(), "panic", r)
				}
			}()
			c, cancel := context.WithTimeout(dctx, deliveryTimeout)
			defer cancel()
			if err := n.Notify(c, alert); err != nil {
				s.logger.Warn("alert delivery failed", "notifier", n.Name(), "alert_id", alert.ID, "error", err)
			}
		}()
	}
	return alert
}

// History returns up to limit alerts, most recent first. limit <= 0 returns
// everything retained.
func (s *Service) History(limit int) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.history)) % len(s.history)
		out = append(out, s.history[idx])
	}
	return out
}

// Counts returns the number of retained alerts per level.
func (s *Service) Counts() map[Level]int {
	counts := make(map[Level]int, len(AllLevels))
	for _, l := range AllLevels {
		counts[l] = 0
	}
	for _, a := range s.History(0) {
		counts[a.Level]++
	}
	return counts
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func logLevel(l Level) slog.Level {
	switch l {
	case LevelCritical, LevelSecurity:
		return slog.LevelError
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
