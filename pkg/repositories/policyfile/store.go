package policyfile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
)

// Store is an in-memory repositories.PolicyStore seeded from a Policy.
type Store struct {
	mu        sync.RWMutex
	roles     map[string]repositories.Role // by name
	userRoles map[string]map[string]struct{}
	rules     []models.DataAccessRule
	closed    bool
	logger    zerolog.Logger
}

var _ repositories.PolicyStore = (*Store)(nil)

// NewStore creates a store holding p. A nil policy gives an empty store.
func NewStore(p *Policy, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		roles:     make(map[string]repositories.Role),
		userRoles: make(map[string]map[string]struct{}),
		logger:    logger.With().Str("repo", "policyfile").Logger(),
	}
	if p == nil {
		return s, nil
	}
	if err := p.ApplyTo(context.Background(), s); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("roles", len(s.roles)).
		Int("users", len(s.userRoles)).
		Int("rules", len(s.rules)).
		Msg("Policy loaded")
	return s, nil
}

// Open loads the policy file at path into a new store.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(p, logger)
}

// ListRules returns the user's own rules and the rules of the user's roles,
// highest priority first and deny before allow.
func (s *Store) ListRules(ctx context.Context, userID string, connectionID *string) ([]models.DataAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrStoreClosed
	}

	held := s.userRoles[userID]
	var rules []models.DataAccessRule
	for _, rule := range s.rules {
		switch rule.Scope {
		case models.ScopeRole:
			if _, ok := held[rule.SubjectID]; !ok {
				continue
			}
		case models.ScopeUser:
			if rule.SubjectID != userID {
				continue
			}
		}
		if rule.ConnectionID != nil && (connectionID == nil || *rule.ConnectionID != *connectionID) {
			continue
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return !rules[i].IsAllowed && rules[j].IsAllowed
	})
	return rules, nil
}

// HasPermission reports whether any role of the user grants permission.
func (s *Store) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errors.ErrStoreClosed
	}

	for name := range s.userRoles[userID] {
		for _, p := range s.roles[name].Permissions {
			if p == permission {
				return true, nil
			}
		}
	}
	return false, nil
}

// IsAdmin reports whether any role of the user is an admin role.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errors.ErrStoreClosed
	}

	for name := range s.userRoles[userID] {
		if s.roles[name].IsAdmin {
			return true, nil
		}
	}
	return false, nil
}

// CreateRole adds a role and returns its id.
func (s *Store) CreateRole(ctx context.Context, role repositories.Role) (string, error) {
	if err := repositories.ValidateRole(role); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.ErrStoreClosed
	}
	if _, exists := s.roles[role.Name]; exists {
		return "", errors.Newf(errors.CodeAlreadyExists, "role %q already exists", role.Name)
	}

	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	role.Permissions = append([]string(nil), role.Permissions...)
	s.roles[role.Name] = role
	return role.ID, nil
}

// AssignRole gives userID the named role.
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) error {
	if userID == "" {
		return errors.ErrMissingUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	if _, ok := s.roles[roleName]; !ok {
		return errors.Wrapf(errors.ErrRoleNotFound, errors.CodeNotFound, "role %q not found", roleName)
	}

	held, ok := s.userRoles[userID]
	if !ok {
		held = make(map[string]struct{})
		s.userRoles[userID] = held
	}
	held[roleName] = struct{}{}
	return nil
}

// SaveRule inserts or replaces a rule by id.
func (s *Store) SaveRule(ctx context.Context, rule *models.DataAccessRule) error {
	if err := repositories.ValidateRule(rule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	if rule.Scope == models.ScopeRole {
		if _, ok := s.roles[rule.SubjectID]; !ok {
			return errors.Wrapf(errors.ErrRoleNotFound, errors.CodeNotFound, "role %q not found", rule.SubjectID)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	stored := *rule
	if rule.ConnectionID != nil {
		conn := *rule.ConnectionID
		stored.ConnectionID = &conn
	}
	for i := range s.rules {
		if s.rules[i].ID == stored.ID {
			s.rules[i] = stored
			return nil
		}
	}
	s.rules = append(s.rules, stored)
	return nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}

	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return errors.ErrRuleNotFound
}

// Close marks the store closed. Later calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
