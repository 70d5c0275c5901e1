package domain

import "time"

type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"        // Свободен, можно назначать задачу
	AgentRunning     AgentStatus = "running"     // Исполняет задачу в песочнице
	AgentQuarantined AgentStatus = "quarantined" // Заморожен Emergency Controller, недоступен до конца рана
	AgentStopped     AgentStatus = "stopped"     // Песочница остановлена (завершение рана или ShutdownAll)
)

// Terminal сообщает, что агент больше не участвует в распределении задач.
// Статусы quarantined/stopped пишет только Emergency Controller (или финализация рана),
// координатор их никогда не перезаписывает.
func (s AgentStatus) Terminal() bool {
	return s == AgentQuarantined || s == AgentStopped
}

type Agent struct {
	ID            string      `json:"id"`
	SandboxHandle string      `json:"sandbox_handle"` // Opaque-ссылка на контейнер/jail во внешнем рантайме
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"` // Последний сигнал жизни от рантайма
}
