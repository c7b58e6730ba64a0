package models

import "time"

// Message roles stored in the cache.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// CachedMessage is one durable history entry for a (server, session) pair.
// User messages are written optimistically before their turn is sent;
// TurnID and IdempotencyKey tie them back to that turn.
type CachedMessage struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ServerID       string    `gorm:"size:128;not null;index:idx_server_session"`
	SessionKey     string    `gorm:"size:256;not null;index:idx_server_session"`
	Role           string    `gorm:"size:16;not null"` // "user", "agent", "system"
	Content        string    `gorm:"type:text;not null"`
	TurnID         string    `gorm:"size:64;index"`
	IdempotencyKey string    `gorm:"size:64;index"`
	Optimistic     bool      `gorm:"default:false"`
	Failed         bool      `gorm:"default:false"`
	CreatedAt      time.Time `gorm:"index"`
}

// NormalizeRole maps server role names onto the cache's roles.
func NormalizeRole(role string) string {
	switch role {
	case "user", "human":
		return RoleUser
	case "assistant", "agent", "bot":
		return RoleAgent
	case "system":
		return RoleSystem
	default:
		return role
	}
}
