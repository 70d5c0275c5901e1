package monitor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/metrics"
)

// Пространство имен для детерминированных ID нарушений: дубликат события
// (at-least-once доставка) дает байт-в-байт тот же UUID.
var violationNamespace = uuid.MustParse("8f5a1d2e-4c3b-47a9-9f1e-2b6d8c0a7e55")

// ViolationLog — append-only журнал. Записи не мутируются и не удаляются.
type ViolationLog interface {
	// Append обязан быть идемпотентен по violation.ID.
	Append(ctx context.Context, v domain.Violation) error
}

// Archiver принимает сырые события для асинхронного аудита (не safety-path).
type Archiver interface {
	Log(ev domain.BehaviorEvent)
}

// Monitor — классификация чистая и stateless per event; вся конфигурация
// зашита в Policy на старте рана.
type Monitor struct {
	policy  *Policy
	log     ViolationLog
	archive Archiver // опционален
	notify  []func(context.Context, domain.Violation)
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(policy *Policy, log ViolationLog, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Monitor{
		policy:  policy,
		log:     log,
		logger:  logger.Named("monitor"),
		metrics: m,
	}
}

// WithArchive подключает асинхронный архив сырых событий.
func (m *Monitor) WithArchive(a Archiver) *Monitor {
	m.archive = a
	return m
}

// Subscribe регистрирует получателя нарушений (Emergency Controller).
// Уведомление уходит только после персиста в журнал.
func (m *Monitor) Subscribe(fn func(context.Context, domain.Violation)) {
	m.notify = append(m.notify, fn)
}

// HandleEvent — точка входа фида рантайма.
// Порядок жесткий: классификация -> персист -> уведомление. Audit trail
// обязан существовать, даже если Emergency Controller упадет сразу после.
func (m *Monitor) HandleEvent(ctx context.Context, ev domain.BehaviorEvent) error {
	if m.archive != nil {
		m.archive.Log(ev)
	}

	v, ok := m.Classify(ev)
	if !ok {
		return nil
	}

	m.metrics.ViolationsTotal.WithLabelValues(string(v.Kind), v.Severity.String()).Inc()
	m.logger.Warn("isolation violation detected",
		zap.String("violation_id", v.ID),
		zap.String("agent_id", v.AgentID),
		zap.String("kind", string(v.Kind)),
		zap.String("severity", v.Severity.String()),
		zap.String("detail", v.Detail),
	)

	persistErr := m.log.Append(ctx, v)
	if persistErr != nil {
		// Сигнал безопасности не гасим из-за проблем журнала: эскалация важнее
		m.logger.Error("violation persist failed, escalating anyway", zap.Error(persistErr))
	}

	for _, fn := range m.notify {
		fn(ctx, v)
	}

	if persistErr != nil {
		return fmt.Errorf("monitor: persist violation %s: %w", v.ID, persistErr)
	}
	return nil
}

// Classify — чистая функция событие -> нарушение. Серьезность — статическая
// мапа от kind, ничего адаптивного. Switch по kind исчерпывающий.
func (m *Monitor) Classify(ev domain.BehaviorEvent) (domain.Violation, bool) {
	var kind domain.ViolationKind
	var detail string

	switch ev.Kind {
	case domain.EventNetworkEgress:
		if m.policy.egressAllowed() {
			return domain.Violation{}, false
		}
		kind = domain.ViolationNetworkAccess
		detail = fmt.Sprintf("network egress attempt: %s", ev.Detail)

	case domain.EventFileAccess:
		if m.policy.pathAllowed(ev.Detail) {
			return domain.Violation{}, false
		}
		kind = domain.ViolationOutOfScopeFile
		detail = fmt.Sprintf("access outside assigned paths: %s", ev.Detail)

	case domain.EventCapabilityUse:
		if m.policy.capabilityAllowed(ev.Detail) {
			return domain.Violation{}, false
		}
		kind = domain.ViolationPrivilegeEscalation
		detail = fmt.Sprintf("capability not granted: %s", ev.Detail)

	case domain.EventResourceUsage:
		ceiling, tracked := m.policy.ceiling(ev.Detail)
		if !tracked || ev.Value <= ceiling {
			return domain.Violation{}, false
		}
		kind = domain.ViolationResourceExhaustion
		detail = fmt.Sprintf("%s=%.2f exceeds ceiling %.2f", ev.Detail, ev.Value, ceiling)

	case domain.EventHeartbeat:
		return domain.Violation{}, false

	default:
		// Неизвестный вид события — не policy violation, но и не молчим
		m.logger.Warn("unrecognized behavior event kind", zap.String("kind", string(ev.Kind)))
		return domain.Violation{}, false
	}

	return domain.Violation{
		ID:        deterministicID(ev),
		AgentID:   ev.AgentID,
		Kind:      kind,
		Severity:  SeverityOf(kind),
		Timestamp: ev.Timestamp,
		Detail:    detail,
	}, true
}

// SeverityOf — статическая мапа серьезности по виду нарушения.
func SeverityOf(kind domain.ViolationKind) domain.Severity {
	switch kind {
	case domain.ViolationPrivilegeEscalation:
		return domain.SeverityCritical
	case domain.ViolationNetworkAccess:
		return domain.SeverityHigh
	case domain.ViolationOutOfScopeFile:
		return domain.SeverityMedium
	case domain.ViolationResourceExhaustion:
		return domain.SeverityLow
	default:
		return domain.SeverityLow
	}
}

// deterministicID — UUIDv5 от полей события: идемпотентность под дубликатами фида.
func deterministicID(ev domain.BehaviorEvent) string {
	seed := fmt.Sprintf("%s|%s|%s|%d|%f",
		ev.AgentID, ev.Kind, ev.Detail, ev.Timestamp.UnixNano(), ev.Value)
	return uuid.NewSHA1(violationNamespace, []byte(seed)).String()
}
