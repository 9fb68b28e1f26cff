package sync

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/store"
)

// Checkpoint keys kept in sync_state.
const (
	CheckpointLastConnected     = "last_connected_at"
	CheckpointConversationFetch = "last_conversation_fetch_at"
)

// Reconciler manages sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. A missing key yields "".
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Mark records t as the checkpoint for key.
func (r *Reconciler) Mark(key string, t time.Time) {
	if err := r.UpdateCheckpoint(key, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to update checkpoint", zap.String("key", key), zap.Error(err))
	}
}

// CheckpointTime returns the time stored under key, or the zero time.
func (r *Reconciler) CheckpointTime(key string) (time.Time, error) {
	v, err := r.GetCheckpoint(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
