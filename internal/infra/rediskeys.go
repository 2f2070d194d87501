package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "waygate"
)

// Каналы Pub/Sub control plane. Payload не используется: сигнал означает
// "перечитай источник", состояние всегда берется из файлов и ENV.
const (
	RedisChanPluginsReload     = RedisNamespace + ":control:plugins-reload"
	RedisChanRulesReload       = RedisNamespace + ":control:rules-reload"
	RedisChanCredentialsRotate = RedisNamespace + ":control:credentials-rotate"
)

// ControlChannels — все каналы, на которые подписывается serve
var ControlChannels = []string{RedisChanPluginsReload, RedisChanRulesReload, RedisChanCredentialsRotate}
