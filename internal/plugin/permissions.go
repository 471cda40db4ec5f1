package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"trustgate/internal/domain"
)

// ValidatePermissions checks that every permission declared by the manifest
// is known, allowed and not denied. An empty allow list allows every known
// permission.
func ValidatePermissions(info *domain.PluginInfo, allowed, denied []string) ([]domain.Permission, error) {
	denySet := make(map[domain.Permission]bool, len(denied))
	for _, d := range denied {
		if p, err := domain.ParsePermission(d); err == nil {
			denySet[p] = true
		}
	}
	allowSet := make(map[domain.Permission]bool, len(allowed))
	for _, a := range allowed {
		if p, err := domain.ParsePermission(a); err == nil {
			allowSet[p] = true
		}
	}

	granted := make([]domain.Permission, 0, len(info.Permissions))
	seen := make(map[domain.Permission]bool, len(info.Permissions))
	for _, raw := range info.Permissions {
		perm, err := domain.ParsePermission(raw)
		if err != nil {
			return nil, domain.NewPluginError(info.ID, "ValidatePermissions", domain.ErrPluginPermissionDenied,
				fmt.Sprintf("unknown permission %q", raw))
		}
		if denySet[perm] {
			return nil, domain.NewPluginError(info.ID, "ValidatePermissions", domain.ErrPluginPermissionDenied,
				fmt.Sprintf("requests denied permission %q", perm))
		}
		if len(allowSet) > 0 && !allowSet[perm] {
			return nil, domain.NewPluginError(info.ID, "ValidatePermissions", domain.ErrPluginPermissionDenied,
				fmt.Sprintf("requests unlisted permission %q", perm))
		}
		if !seen[perm] {
			seen[perm] = true
			granted = append(granted, perm)
		}
	}
	return granted, nil
}

// PermissionService tracks the permissions granted to each admitted plugin and
// answers capability checks at runtime.
type PermissionService struct {
	mu     sync.RWMutex
	grants map[string]map[domain.Permission]bool
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewPermissionService creates an empty permission service. audit may be nil.
func NewPermissionService(audit domain.AuditLogger, logger *slog.Logger) *PermissionService {
	return &PermissionService{
		grants: make(map[string]map[domain.Permission]bool),
		audit:  audit,
		logger: logger,
	}
}

// Set replaces the permissions of pluginID.
func (s *PermissionService) Set(ctx context.Context, pluginID string, perms []domain.Permission) {
	set := make(map[domain.Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	s.mu.Lock()
	s.grants[pluginID] = set
	s.mu.Unlock()

	for _, p := range perms {
		s.record(ctx, domain.AuditPermissionGranted, pluginID, p)
	}
}

// Check reports whether pluginID holds perm. Unknown plugins hold nothing.
func (s *PermissionService) Check(pluginID string, perm domain.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[pluginID][perm]
}

// Require returns ErrPluginPermissionDenied when pluginID lacks perm. Denials
// are audited.
func (s *PermissionService) Require(ctx context.Context, pluginID string, perm domain.Permission) error {
	if s.Check(pluginID, perm) {
		return nil
	}
	s.record(ctx, domain.AuditAccessDenied, pluginID, perm)
	return domain.NewPluginError(pluginID, "PermissionService.Require", domain.ErrPluginPermissionDenied,
		fmt.Sprintf("permission %q not granted", perm))
}

// CheckRequired reports whether pluginID holds every permission in required.
func (s *PermissionService) CheckRequired(pluginID string, required []domain.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range required {
		if !s.grants[pluginID][p] {
			return false
		}
	}
	return true
}

// Restrict narrows the grants of pluginID to the intersection with allowed.
func (s *PermissionService) Restrict(ctx context.Context, pluginID string, allowed []domain.Permission) {
	keep := make(map[domain.Permission]bool, len(allowed))
	for _, p := range allowed {
		keep[p] = true
	}

	var revoked []domain.Permission
	s.mu.Lock()
	for p := range s.grants[pluginID] {
		if !keep[p] {
			delete(s.grants[pluginID], p)
			revoked = append(revoked, p)
		}
	}
	s.mu.Unlock()

	for _, p := range revoked {
		s.record(ctx, domain.AuditPermissionRevoked, pluginID, p)
	}
}

// Revoke removes a single permission.
func (s *PermissionService) Revoke(ctx context.Context, pluginID string, perm domain.Permission) {
	s.mu.Lock()
	_, held := s.grants[pluginID][perm]
	delete(s.grants[pluginID], perm)
	s.mu.Unlock()
	if held {
		s.record(ctx, domain.AuditPermissionRevoked, pluginID, perm)
	}
}

// Permissions returns the sorted grants of pluginID.
func (s *PermissionService) Permissions(pluginID string) []domain.Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPerms(s.grants[pluginID])
}

// Remove forgets pluginID entirely.
func (s *PermissionService) Remove(pluginID string) {
	s.mu.Lock()
	delete(s.grants, pluginID)
	s.mu.Unlock()
}

// Snapshot returns a copy of every plugin's grants.
func (s *PermissionService) Snapshot() map[string][]domain.Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]domain.Permission, len(s.grants))
	for id, set := range s.grants {
		out[id] = sortedPerms(set)
	}
	return out
}

func (s *PermissionService) record(ctx context.Context, typ domain.AuditEventType, pluginID string, perm domain.Permission) {
	if s.audit == nil {
		return
	}
	outcome := "success"
	if typ == domain.AuditAccessDenied {
		outcome = "denied"
	}
	err := s.audit.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Actor:    "gateway",
		Resource: pluginID,
		Action:   string(perm),
		Outcome:  outcome,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("permission audit write failed", "plugin", pluginID, "error", err)
	}
}

func sortedPerms(set map[domain.Permission]bool) []domain.Permission {
	out := make([]domain.Permission, 0, len(set))
	for p, ok := range set {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
