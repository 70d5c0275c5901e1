package domain

import "time"

type ViolationKind string

const (
	ViolationNetworkAccess       ViolationKind = "network-access-attempt"
	ViolationPrivilegeEscalation ViolationKind = "privilege-escalation"
	ViolationOutOfScopeFile      ViolationKind = "out-of-scope-file-access"
	ViolationResourceExhaustion  ViolationKind = "resource-exhaustion"
)

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Violation — зафиксированное нарушение изоляционного контракта агента.
// Append-only: записи никогда не мутируются и не удаляются, это audit trail
// для Emergency Controller и ручного разбора.
type Violation struct {
	ID        string        `json:"id"` // Детерминированный UUID от полей события: дубликат события -> та же запись
	AgentID   string        `json:"agent_id"`
	Kind      ViolationKind `json:"kind"`
	Severity  Severity      `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail"`
}
