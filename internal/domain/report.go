package domain

import "time"

// RunReport — итог рана для оператора: статус каждой задачи и агента,
// события reclaim (признак зависшего агента даже при успешном ране)
// и нарушения, приведшие к эскалации.
type RunReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Emergency  string    `json:"emergency_state"`
	// Агенты, изолированные в этом ране
	Quarantined []string       `json:"quarantined_agents,omitempty"`
	Tasks       []TaskReport   `json:"tasks"`
	Agents      []AgentReport  `json:"agents"`
	Reclaims    []ReclaimEvent `json:"lock_reclaims,omitempty"`
	Violations  []Violation    `json:"violations,omitempty"`
}

type TaskReport struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	// Задачи, заблокированные этим фейлом: репортим, не пропускаем молча.
	BlockedDependents []string `json:"blocked_dependents,omitempty"`
}

type AgentReport struct {
	ID     string      `json:"id"`
	Status AgentStatus `json:"status"`
	TaskID string      `json:"task_id,omitempty"`
}
