package domain

import "time"

// Lock — эксклюзивный time-bounded захват именованного ресурса.
// Инвариант: на один resource_id существует не более одной живой записи.
// Режим только exclusive: угроза — конкурентные писатели, shared-локи не нужны.
type Lock struct {
	ResourceID    string    `json:"resource_id"`
	HolderAgentID string    `json:"holder_agent_id"`
	Token         string    `json:"token"` // UUID, выдается на Acquire; Release/Renew требуют совпадения
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired — лок подлежит reclaim ровно с момента acquired_at + ttl.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ReclaimEvent фиксирует принудительное освобождение протухшего лока.
// Попадает в финальный отчет рана: индикатор зависшего или упавшего агента.
type ReclaimEvent struct {
	ResourceID    string    `json:"resource_id"`
	HolderAgentID string    `json:"holder_agent_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	ReclaimedAt   time.Time `json:"reclaimed_at"`
}
