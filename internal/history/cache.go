// Package history is the durable local record of recent messages per
// (server, session). It is read at cold start, before any connection
// exists, and overwritten by the server's authoritative history later.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// DefaultMaxMessages bounds the rows kept per (server, session).
const DefaultMaxMessages = 500

// Cache persists CachedMessages through gorm. Every write returns only after
// the database has committed it.
type Cache struct {
	db          *gorm.DB
	maxMessages int
	log         zerolog.Logger
}

// CacheOpts holds parameters for creating a Cache.
type CacheOpts struct {
	DB          *gorm.DB
	MaxMessages int // defaults to DefaultMaxMessages
	Logger      zerolog.Logger
}

// SessionSummary describes one locally known session.
type SessionSummary struct {
	Key       string
	Messages  int
	Unflushed bool // has optimistic messages not yet confirmed by the server
	LastAt    time.Time
}

// NewCache creates a Cache.
func NewCache(opts CacheOpts) (*Cache, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("history: cache: db is required")
	}
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	return &Cache{
		db:          opts.DB,
		maxMessages: limit,
		log:         opts.Logger.With().Str("component", "history").Logger(),
	}, nil
}

// Append writes msg durably and trims its session to the retention bound.
// msg.ID is assigned on return.
func (c *Cache) Append(msg *models.CachedMessage) error {
	if msg.ServerID == "" || msg.SessionKey == "" {
		return fmt.Errorf("history: append: server and session are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		_, err := c.prune(tx, msg.ServerID, msg.SessionKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Read returns the most recent limit messages of a session, oldest first.
// A limit <= 0 returns everything retained.
func (c *Cache) Read(serverID, sessionKey string, limit int) ([]models.CachedMessage, error) {
	q := c.db.Where("server_id = ? AND session_key = ?", serverID, sessionKey).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []models.CachedMessage
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("history: read %s/%s: %w", serverID, sessionKey, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Replace overwrites a session with the server's history. Messages in
// inflight belong to turns still running; each is re-appended after the
// server list unless the server already reports its idempotency key.
// The resulting session contents are returned.
func (c *Cache) Replace(serverID, sessionKey string, server, inflight []models.CachedMessage) ([]models.CachedMessage, error) {
	known := make(map[string]bool)
	for _, m := range server {
		if m.IdempotencyKey != "" {
			known[m.IdempotencyKey] = true
		}
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ? AND session_key = ?", serverID, sessionKey).
			Delete(&models.CachedMessage{}).Error; err != nil {
			return err
		}
		rows := make([]models.CachedMessage, 0, len(server)+len(inflight))
		for _, m := range server {
			m.ID = 0
			m.ServerID, m.SessionKey = serverID, sessionKey
			m.Optimistic, m.Failed = false, false
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now()
			}
			rows = append(rows, m)
		}
		for _, m := range inflight {
			if m.IdempotencyKey != "" && known[m.IdempotencyKey] {
				continue
			}
			m.ID = 0
			m.ServerID, m.SessionKey = serverID, sessionKey
			rows = append(rows, m)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
				return err
			}
		}
		_, err := c.prune(tx, serverID, sessionKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("history: replace %s/%s: %w", serverID, sessionKey, err)
	}
	c.log.Debug().Str("server", serverID).Str("session", sessionKey).
		Int("server_messages", len(server)).Int("inflight", len(inflight)).Msg("history replaced")
	return c.Read(serverID, sessionKey, 0)
}

// MarkConfirmed clears the optimistic and failed flags of a turn's messages.
func (c *Cache) MarkConfirmed(serverID, turnID string) error {
	return c.setFlags(serverID, turnID, map[string]any{"optimistic": false, "failed": false})
}

// MarkFailed flags a turn's messages as failed. They stay in the cache so the
// user can see and resend them.
func (c *Cache) MarkFailed(serverID, turnID string) error {
	return c.setFlags(serverID, turnID, map[string]any{"failed": true})
}

// MarkPending clears the failed flag of a turn being retried.
func (c *Cache) MarkPending(serverID, turnID string) error {
	return c.setFlags(serverID, turnID, map[string]any{"failed": false, "optimistic": true})
}

func (c *Cache) setFlags(serverID, turnID string, fields map[string]any) error {
	if turnID == "" {
		return nil
	}
	err := c.db.Model(&models.CachedMessage{}).
		Where("server_id = ? AND turn_id = ?", serverID, turnID).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("history: update turn %s: %w", turnID, err)
	}
	return nil
}

// Sessions summarizes every session cached for a server, most recent first.
func (c *Cache) Sessions(serverID string) ([]SessionSummary, error) {
	var rows []models.CachedMessage
	err := c.db.Select("session_key", "optimistic", "created_at").
		Where("server_id = ?", serverID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: sessions %s: %w", serverID, err)
	}

	byKey := make(map[string]*SessionSummary)
	for _, r := range rows {
		s, ok := byKey[r.SessionKey]
		if !ok {
			s = &SessionSummary{Key: r.SessionKey}
			byKey[r.SessionKey] = s
		}
		s.Messages++
		if r.Optimistic {
			s.Unflushed = true
		}
		if r.CreatedAt.After(s.LastAt) {
			s.LastAt = r.CreatedAt
		}
	}
	out := make([]SessionSummary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].LastAt.After(out[j].LastAt)
	})
	return out, nil
}

// DeleteSession removes every cached message of a session.
func (c *Cache) DeleteSession(serverID, sessionKey string) error {
	err := c.db.Where("server_id = ? AND session_key = ?", serverID, sessionKey).
		Delete(&models.CachedMessage{}).Error
	if err != nil {
		return fmt.Errorf("history: delete session %s/%s: %w", serverID, sessionKey, err)
	}
	return nil
}

// DeleteServer removes every cached message of a server.
func (c *Cache) DeleteServer(serverID string) error {
	if err := c.db.Where("server_id = ?", serverID).Delete(&models.CachedMessage{}).Error; err != nil {
		return fmt.Errorf("history: delete server %s: %w", serverID, err)
	}
	return nil
}

// PruneAll trims every session to the retention bound and returns the number
// of rows removed.
func (c *Cache) PruneAll() (int64, error) {
	type pair struct {
		ServerID   string
		SessionKey string
	}
	var pairs []pair
	err := c.db.Model(&models.CachedMessage{}).
		Distinct("server_id", "session_key").Scan(&pairs).Error
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	var total int64
	for _, p := range pairs {
		n, err := c.prune(c.db, p.ServerID, p.SessionKey)
		if err != nil {
			return total, fmt.Errorf("history: prune %s/%s: %w", p.ServerID, p.SessionKey, err)
		}
		total += n
	}
	return total, nil
}

// prune deletes rows older than the newest maxMessages of a session.
func (c *Cache) prune(tx *gorm.DB, serverID, sessionKey string) (int64, error) {
	var cutoff []uint
	err := tx.Model(&models.CachedMessage{}).
		Where("server_id = ? AND session_key = ?", serverID, sessionKey).
		Order("id DESC").Offset(c.maxMessages).Limit(1).
		Pluck("id", &cutoff).Error
	if err != nil || len(cutoff) == 0 {
		return 0, err
	}
	res := tx.Where("server_id = ? AND session_key = ? AND id <= ?", serverID, sessionKey, cutoff[0]).
		Delete(&models.CachedMessage{})
	return res.RowsAffected, res.Error
}
