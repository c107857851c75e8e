// Package checkpoint persists subtask state to disk (or Redis) so a build
// can resume after a crash or an intentional stop. Orchestrator messages
// are never persisted: on resume they are rebuilt from a fresh system
// prompt plus a synthetic "[RESUMED FROM CHECKPOINT]" message.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	swarmerrors "github.com/codeswarm/swarm/internal/errors"
	"github.com/codeswarm/swarm/internal/task"
)

// FileName is the well-known checkpoint filename at the project root.
const FileName = ".swarm-checkpoint.json"

// Payload is the on-disk/on-Redis checkpoint shape.
type Payload struct {
	ID              string         `json:"id"`
	RootDir         string         `json:"rootDir"`
	TaskDescription string         `json:"taskDescription"`
	Subtasks        []task.Subtask `json:"subtasks"`
	SavedAt         time.Time      `json:"savedAt"`
}

// Store persists and loads a build's checkpoint.
type Store interface {
	Save(ctx context.Context, payload Payload) error
	Load(ctx context.Context, key string) (Payload, bool, error)
}

// normalizeOnLoad resets any in_progress subtask to pending: it was
// interrupted mid-attempt and must be re-dispatched from scratch.
func normalizeOnLoad(p Payload) Payload {
	for i := range p.Subtasks {
		if p.Subtasks[i].Status == task.StatusInProgress {
			p.Subtasks[i].Status = task.StatusPending
		}
	}
	return p
}

// FileStore saves to <rootDir>/.swarm-checkpoint.json.
type FileStore struct{}

// NewFileStore builds the default checkpoint backend.
func NewFileStore() *FileStore { return &FileStore{} }

func (s *FileStore) path(rootDir string) string {
	return filepath.Join(rootDir, FileName)
}

func (s *FileStore) Save(ctx context.Context, payload Payload) error {
	payload.SavedAt = time.Now()
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return os.WriteFile(s.path(payload.RootDir), data, 0o644)
}

// Load reads the checkpoint at rootDir. key is the project's rootDir for
// FileStore (it ignores the Redis-style key vs rootDir distinction).
func (s *FileStore) Load(ctx context.Context, rootDir string) (Payload, bool, error) {
	data, err := os.ReadFile(s.path(rootDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, false, nil
	}
	return normalizeOnLoad(payload), true, nil
}

// RedisStore saves the same payload shape to a Redis key, for deployments
// that run the orchestrator across ephemeral containers without a shared
// filesystem.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed checkpoint store.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), ttl: ttl}, nil
}

// key is keyed by rootDir, not the project's internal id: Load is always
// called with o.cfg.RootDir (it has no other handle on a build before its
// checkpoint is loaded), so Save must key the same way or a saved
// checkpoint can never be found again.
func (s *RedisStore) key(rootDir string) string {
	return fmt.Sprintf("swarm:checkpoint:%s", rootDir)
}

func (s *RedisStore) Save(ctx context.Context, payload Payload) error {
	payload.SavedAt = time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.client.Set(ctx, s.key(payload.RootDir), data, s.ttl).Err()
}

// Load reads the checkpoint keyed by rootDir, mirroring FileStore.Load.
func (s *RedisStore) Load(ctx context.Context, rootDir string) (Payload, bool, error) {
	data, err := s.client.Get(ctx, s.key(rootDir)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("%w: %v", swarmerrors.ErrNotFound, err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, false, nil
	}
	return normalizeOnLoad(payload), true, nil
}

// ResumedMessage is the synthetic user message injected into a freshly
// rebuilt orchestrator conversation when resuming from a checkpoint.
func ResumedMessage(statusSummary string) string {
	return "[RESUMED FROM CHECKPOINT]\n" + statusSummary
}
