package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "connpulse"
)

// Ключи состояния
const (
	RedisKeyTelemetry = RedisNamespace + ":telemetry"     // Hash: connection_id -> JSON записи
	RedisKeySyncState = RedisNamespace + ":sync:state"    // JSON снимка без записей
	RedisKeyDisabled  = RedisNamespace + ":sync:disabled" // Причина постоянного отключения опроса
)

// Каналы Pub/Sub (события от слоя отрисовки)
const (
	// RedisChanViewport - JSON {"items":[{"id","visible_fraction","visible_ms"}]}
	RedisChanViewport = RedisNamespace + ":viewport"
	// RedisChanCandidates - сигнал "перечитать кандидатов из БД" (payload игнорируется)
	RedisChanCandidates = RedisNamespace + ":candidates-reload"
	// RedisChanSyncControl - команды оператора: "refresh" | "reset"
	RedisChanSyncControl = RedisNamespace + ":sync:control"
)
