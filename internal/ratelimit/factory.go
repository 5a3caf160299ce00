package ratelimit

import (
	"fmt"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
)

const (
	BackendRedis    = "redis"
	BackendDatabase = "database"
	BackendMemory   = "memory"
)

// NewStore picks the counter store for backend. An empty backend prefers
// Redis when a client is available and falls back to the database.
func NewStore(backend string, redis *storage.RedisClient, prefix string, db *storage.Database) (Store, error) {
	switch backend {
	case BackendRedis:
		if redis == nil {
			return nil, fmt.Errorf("rate limit backend %q requires redis", backend)
		}
		return NewRedisStore(redis, prefix), nil
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("rate limit backend %q requires a database", backend)
		}
		return NewDatabaseStore(db), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case "":
		if redis != nil {
			return NewRedisStore(redis, prefix), nil
		}
		if db != nil {
			return NewDatabaseStore(db), nil
		}
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}
