package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "warden"
)

// Ключи для Sets и записей (состояние)
const (
	RedisKeyQuarantineAgents      = RedisNamespace + ":agents:quarantine_set"
	RedisKeyLockPrefix            = RedisNamespace + ":locks:" // + resource_id
	RedisKeyLockBlockedQuarantine = RedisNamespace + ":lock:warmup_quarantine:blocked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBehaviorEvents — фид поведения агентов от sandbox-рантайма.
	RedisChanBehaviorEvents = RedisNamespace + ":events:behavior"
	// RedisChanQuarantine — трансляция карантинных решений между инстансами.
	RedisChanQuarantine = RedisNamespace + ":agents:quarantine-signal"
	// RedisChanEmergency — ручные команды оператора (quarantine/shutdown).
	RedisChanEmergency = RedisNamespace + ":emergency:commands"
)

// LockKey Генератор ключа записи лока для ресурса
func LockKey(resourceID string) string {
	return fmt.Sprintf("%s%s", RedisKeyLockPrefix, resourceID)
}
