package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lexcodex/auditia/internal/fsutil"
)

// SessionKey addresses a session the way every backend indexes it.
type SessionKey struct {
	AppName   string `json:"app_name"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) validate() error {
	if k.AppName == "" || k.UserID == "" || k.SessionID == "" {
		return fmt.Errorf("incomplete session key %+v", k)
	}
	return nil
}

// Session is the opaque conversational state kept per (app, user, session).
type Session struct {
	SessionKey
	State          map[string]interface{} `json:"state"`
	LastUpdateTime time.Time              `json:"last_update_time"`
}

// SessionStore persists sessions. Update merges the supplied keys into the
// stored state.
type SessionStore interface {
	Get(ctx context.Context, key SessionKey) (*Session, error)
	Create(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error)
	Update(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error)
	Delete(ctx context.Context, key SessionKey) error
	ListForUser(ctx context.Context, appName, userID string) ([]*Session, error)
	ListAll(ctx context.Context, appName string) ([]*Session, error)
}

// Touch updates the session, creating it on first use.
func Touch(ctx context.Context, store SessionStore, key SessionKey, state map[string]interface{}) (*Session, error) {
	sess, err := store.Update(ctx, key, state)
	if errors.Is(err, ErrNotFound) {
		sess, err = store.Create(ctx, key, state)
		if errors.Is(err, ErrConflict) {
			return store.Update(ctx, key, state)
		}
	}
	return sess, err
}

func mergeState(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneSession(s *Session) *Session {
	out := *s
	out.State = mergeState(nil, s.State)
	return &out
}

func sortSessions(list []*Session) {
	sort.Slice(list, func(i, j int) bool { return list[i].LastUpdateTime.After(list[j].LastUpdateTime) })
}

// MemorySessionStore keeps sessions for the life of the process.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*Session
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[SessionKey]*Session)}
}

func (s *MemorySessionStore) Get(ctx context.Context, key SessionKey) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *MemorySessionStore) Create(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrConflict)
	}
	sess := &Session{SessionKey: key, State: mergeState(nil, state), LastUpdateTime: time.Now().UTC()}
	s.sessions[key] = sess
	return cloneSession(sess), nil
}

func (s *MemorySessionStore) Update(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrNotFound)
	}
	sess.State = mergeState(sess.State, state)
	sess.LastUpdateTime = time.Now().UTC()
	return cloneSession(sess), nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, key SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *MemorySessionStore) ListForUser(ctx context.Context, appName, userID string) ([]*Session, error) {
	return s.list(ctx, func(k SessionKey) bool { return k.AppName == appName && k.UserID == userID })
}

func (s *MemorySessionStore) ListAll(ctx context.Context, appName string) ([]*Session, error) {
	return s.list(ctx, func(k SessionKey) bool { return appName == "" || k.AppName == appName })
}

func (s *MemorySessionStore) list(ctx context.Context, keep func(SessionKey) bool) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for key, sess := range s.sessions {
		if keep(key) {
			out = append(out, cloneSession(sess))
		}
	}
	sortSessions(out)
	return out, nil
}

// FileSessionStore keeps one JSON document per session under
// root/{app}/{user}/{session}.session.json.
type FileSessionStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileSessionStore builds a store in the provided root directory.
func NewFileSessionStore(root string) (*FileSessionStore, error) {
	if root == "" {
		return nil, errors.New("session store root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileSessionStore{root: root}, nil
}

func (s *FileSessionStore) pathFor(key SessionKey) string {
	return filepath.Join(s.root, key.AppName, key.UserID, key.SessionID+".session.json")
}

func (s *FileSessionStore) read(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s: %w: %v", filepath.Base(path), ErrMalformed, err)
	}
	return &sess, nil
}

func (s *FileSessionStore) Get(ctx context.Context, key SessionKey) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.pathFor(key))
}

func (s *FileSessionStore) Create(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	sess := &Session{SessionKey: key, State: mergeState(nil, state), LastUpdateTime: time.Now().UTC()}
	data, err := fsutil.MarshalJSON(sess)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsutil.AtomicCreate(s.pathFor(key), data, 0o600); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrConflict)
		}
		return nil, err
	}
	return sess, nil
}

func (s *FileSessionStore) Update(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.read(s.pathFor(key))
	if err != nil {
		return nil, err
	}
	sess.State = mergeState(sess.State, state)
	sess.LastUpdateTime = time.Now().UTC()
	if err := fsutil.AtomicWriteJSON(s.pathFor(key), sess, 0o600); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *FileSessionStore) Delete(ctx context.Context, key SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSessionStore) ListForUser(ctx context.Context, appName, userID string) ([]*Session, error) {
	return s.walk(ctx, filepath.Join(s.root, appName, userID))
}

func (s *FileSessionStore) ListAll(ctx context.Context, appName string) ([]*Session, error) {
	return s.walk(ctx, filepath.Join(s.root, appName))
}

func (s *FileSessionStore) walk(ctx context.Context, dir string) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".session.json") {
			return nil
		}
		if sess, err := s.read(path); err == nil {
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}
