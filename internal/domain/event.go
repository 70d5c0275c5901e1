package domain

import "time"

// BehaviorEventKind — сырые сигналы от sandbox-рантайма.
// Доставка at-least-once: классификация дубликата обязана дать ту же Violation.
type BehaviorEventKind string

const (
	EventNetworkEgress BehaviorEventKind = "network-egress"  // Попытка выйти в сеть (detail: адрес)
	EventFileAccess    BehaviorEventKind = "file-access"     // Доступ к пути (detail: путь)
	EventCapabilityUse BehaviorEventKind = "capability-use"  // Syscall/capability (detail: имя)
	EventResourceUsage BehaviorEventKind = "resource-usage"  // Потребление ресурса (detail: метрика, value: значение)
	EventHeartbeat     BehaviorEventKind = "heartbeat"       // Агент жив, задача идет
)

type BehaviorEvent struct {
	AgentID   string            `json:"agent_id"`
	Kind      BehaviorEventKind `json:"kind"`
	Detail    string            `json:"detail,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
