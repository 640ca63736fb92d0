// Package auth manages agent credentials: a persisted token <-> agent-id map
// plus the statically configured admin set.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/store"
)

// ErrNotFound is returned when revoking an agent that holds no token.
var ErrNotFound = errors.New("agent has no issued token")

// TokenBytes is the size of issued tokens before hex encoding.
const TokenBytes = 32

type record struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Registry issues and verifies agent tokens. All state changes persist to the
// tokens table before the in-memory maps are updated.
type Registry struct {
	mu      sync.RWMutex
	table   *store.Table
	byAgent map[string]string // agent_id -> token
	byToken map[string]string // token -> agent_id
	admins  map[string]bool
	logger  *logger.Logger
}

// NewRegistry loads all issued tokens from the table.
func NewRegistry(table *store.Table, adminAgents []string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		table:   table,
		byAgent: make(map[string]string),
		byToken: make(map[string]string),
		admins:  make(map[string]bool, len(adminAgents)),
		logger:  log.WithFields(zap.String("component", "auth")),
	}
	for _, id := range adminAgents {
		r.admins[id] = true
	}

	err := table.Scan(func(key string, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode token record %s: %w", key, err)
		}
		r.byAgent[rec.AgentID] = rec.Token
		r.byToken[rec.Token] = rec.AgentID
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("auth registry loaded", zap.Int("tokens", len(r.byAgent)), zap.Int("admins", len(r.admins)))
	return r, nil
}

// Issue generates a fresh token for the agent, replacing any prior one.
func (r *Registry) Issue(agentID string) (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	rec, err := json.Marshal(record{AgentID: agentID, Token: token})
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.table.Put(agentID, rec); err != nil {
		return "", err
	}
	if old, ok := r.byAgent[agentID]; ok {
		delete(r.byToken, old)
	}
	r.byAgent[agentID] = token
	r.byToken[token] = agentID

	r.logger.Info("token issued", zap.String("agent_id", agentID))
	return token, nil
}

// HasToken reports whether the agent already holds a token. Used at startup
// to bootstrap tokens for configured admin agents without rotating existing
// ones.
func (r *Registry) HasToken(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAgent[agentID]
	return ok
}

// Verify returns the agent id owning the token, or ok=false. Comparison is
// constant-time per candidate to avoid timing leaks.
func (r *Registry) Verify(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// The map lookup alone would leak equality timing through hashing;
	// re-compare the stored token byte-for-byte in constant time.
	agentID, ok := r.byToken[token]
	if !ok {
		return "", false
	}
	stored := r.byAgent[agentID]
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return "", false
	}
	return agentID, true
}

// Revoke removes the agent's token.
func (r *Registry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byAgent[agentID]
	if !ok {
		return ErrNotFound
	}
	if err := r.table.Delete(agentID); err != nil {
		return err
	}
	delete(r.byAgent, agentID)
	delete(r.byToken, token)

	r.logger.Info("token revoked", zap.String("agent_id", agentID))
	return nil
}

// IsAdmin reports whether the agent is in the configured admin set.
func (r *Registry) IsAdmin(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[agentID]
}
