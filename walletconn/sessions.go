package walletconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/internal/conv"
	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

var ErrNoSession = errors.New("session not found")

// SessionStore holds every active pairing plus at most one pending (not yet
// approved) pairing attempt. Active sessions are persisted; the pending slot
// is transient and a new pairing attempt replaces it rather than queueing.
type SessionStore struct {
	logger *logrus.Logger
	store  storage.Store

	mu       sync.Mutex
	sessions map[string]types.Session
	pending  *types.Session
}

func NewSessionStore(logger *logrus.Logger, store storage.Store) *SessionStore {
	return &SessionStore{
		logger:   logger.WithField("pkg", "walletconn.sessions").Logger,
		store:    store,
		sessions: make(map[string]types.Session),
	}
}

// Load restores persisted sessions. Called once at startup before the queue
// load so stale queue entries can be pruned against the restored session set.
func (s *SessionStore) Load(ctx context.Context) error {
	rows, err := s.store.List(ctx, storage.SessionPrefix())
	if err != nil {
		return fmt.Errorf("s.store.List: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, data := range rows {
		var sess types.Session
		er := json.Unmarshal(data, &sess)
		if er != nil {
			return fmt.Errorf("json.Unmarshal key=%s: %w", key, er)
		}
		s.sessions[sess.ID] = sess
	}
	s.logger.WithField("count", len(s.sessions)).Info("sessions restored")
	return nil
}

func (s *SessionStore) persist(ctx context.Context, sess types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	err = s.store.Set(ctx, storage.SessionKey(sess.ID), data)
	if err != nil {
		return fmt.Errorf("s.store.Set: %w", err)
	}
	return nil
}

func (s *SessionStore) Add(ctx context.Context, sess types.Session) error {
	err := s.persist(ctx, sess)
	if err != nil {
		return fmt.Errorf("s.persist: %w", err)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

// Replace overwrites an existing session wholesale (session_update events
// deliver the full new settlement).
func (s *SessionStore) Replace(ctx context.Context, sess types.Session) error {
	s.mu.Lock()
	_, known := s.sessions[sess.ID]
	s.mu.Unlock()
	if !known {
		s.logger.WithField("session_id", sess.ID).Warn("replacing unknown session, treating as add")
	}
	return s.Add(ctx, sess)
}

// Remove drops a session. Unknown ids are a logged no-op: pairing transports
// can report redundant disconnects.
func (s *SessionStore) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	_, known := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !known {
		s.logger.WithField("session_id", id).Info("remove for unknown session, ignoring")
		return
	}
	err := s.store.Delete(ctx, storage.SessionKey(id))
	if err != nil {
		s.logger.WithField("session_id", id).Errorf("failed to delete persisted session: %v", err)
	}
}

func (s *SessionStore) Get(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) IsOpen(id string) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *SessionStore) List() []types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *SessionStore) SetActiveAccount(ctx context.Context, id, account string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id=%s", ErrNoSession, id)
	}
	sess.ActiveAccount = strings.ToLower(account)
	s.sessions[id] = sess
	s.mu.Unlock()

	err := s.persist(ctx, sess)
	if err != nil {
		return fmt.Errorf("s.persist: %w", err)
	}
	return nil
}

// SetCapabilities records the capability set the dApp declared for the
// session. Advisory only: atomic-batch support is still re-verified through
// the quoting service on every batch.
func (s *SessionStore) SetCapabilities(ctx context.Context, id string, caps types.SessionCapabilities) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id=%s", ErrNoSession, id)
	}
	sess.Capabilities = conv.Ptr(caps)
	s.sessions[id] = sess
	s.mu.Unlock()

	err := s.persist(ctx, sess)
	if err != nil {
		return fmt.Errorf("s.persist: %w", err)
	}
	return nil
}

// AddPending stages a pairing attempt. A second attempt while one is staged
// replaces it; attempts never queue.
func (s *SessionStore) AddPending(sess types.Session) {
	s.mu.Lock()
	if s.pending != nil {
		s.logger.WithFields(logrus.Fields{
			"replaced": s.pending.ID,
			"new":      sess.ID,
		}).Info("pending pairing replaced by newer attempt")
	}
	s.pending = conv.Ptr(sess)
	s.mu.Unlock()
}

func (s *SessionStore) Pending() (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return types.Session{}, false
	}
	return *s.pending, true
}

func (s *SessionStore) RemovePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != id {
		return
	}
	s.pending = nil
}

// Approve promotes the staged pairing into an active persisted session.
func (s *SessionStore) Approve(ctx context.Context) (types.Session, error) {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: no pending pairing", ErrNoSession)
	}
	sess := *s.pending
	s.pending = nil
	s.mu.Unlock()

	err := s.Add(ctx, sess)
	if err != nil {
		return types.Session{}, fmt.Errorf("s.Add: %w", err)
	}
	return sess, nil
}
