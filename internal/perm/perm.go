// Package perm evaluates the role hierarchy and per-resource ACL maps.
package perm

import (
	"context"
	"encoding/json"
	"log"
)

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionShare   Action = "share"
	ActionManage  Action = "manage"
	ActionComment Action = "comment"
)

const (
	ResourceKnowledgeItem = "knowledge_item"
	ResourceFolder        = "folder"
)

var allActions = []Action{ActionView, ActionEdit, ActionDelete, ActionShare, ActionManage, ActionComment}

func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleMember:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleMember, RoleViewer:
		return Role(role)
	default:
		return ""
	}
}

// dominates reports whether role sits at or above other in the hierarchy.
// ACL maps list the minimum role per action, so any higher role also passes.
func dominates(role, other Role) bool {
	r, o := rank(role), rank(other)
	if r < 0 || o < 0 {
		return false
	}
	return r >= o
}

// defaultMap is applied when a resource carries no explicit permission map,
// or when its stored map fails to parse.
func defaultMap(resourceType string) map[Action][]Role {
	switch resourceType {
	case ResourceFolder:
		return map[Action][]Role{
			ActionView:    {RoleMember},
			ActionEdit:    {RoleEditor},
			ActionDelete:  {RoleAdmin},
			ActionShare:   {RoleEditor},
			ActionManage:  {RoleAdmin},
			ActionComment: {RoleMember},
		}
	default:
		return map[Action][]Role{
			ActionView:    {RoleMember},
			ActionEdit:    {RoleEditor},
			ActionDelete:  {RoleAdmin},
			ActionShare:   {RoleEditor},
			ActionManage:  {RoleAdmin},
			ActionComment: {RoleMember},
		}
	}
}

type membershipStore interface {
	GetOrgRole(ctx context.Context, orgID, userID string) (string, error)
}

type resourceStore interface {
	// PermissionsJSON returns the raw stored ACL for a resource, "" if the
	// resource has no explicit map.
	PermissionsJSON(ctx context.Context, resourceType, resourceID string) (string, error)
}

type Service struct {
	members   membershipStore
	resources resourceStore
}

func New(members membershipStore, resources resourceStore) *Service {
	return &Service{members: members, resources: resources}
}

// Check reports whether the user may perform action on the resource.
// An absent org role denies; an owner always passes.
func (s *Service) Check(ctx context.Context, orgID, userID, resourceType, resourceID string, action Action) (bool, error) {
	role, err := s.resolveRole(ctx, orgID, userID)
	if err != nil {
		return false, err
	}
	if role == "" {
		return false, nil
	}
	if role == RoleOwner {
		return true, nil
	}

	permMap, err := s.resolveMap(ctx, resourceType, resourceID)
	if err != nil {
		return false, err
	}
	for _, allowed := range permMap[action] {
		if dominates(role, allowed) {
			return true, nil
		}
	}
	return false, nil
}

// EffectivePermissions returns every action the user may perform on the
// resource. Callers use it for UI affordances; Check stays authoritative.
func (s *Service) EffectivePermissions(ctx context.Context, orgID, userID, resourceType, resourceID string) ([]Action, error) {
	role, err := s.resolveRole(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return []Action{}, nil
	}
	if role == RoleOwner {
		return append([]Action(nil), allActions...), nil
	}

	permMap, err := s.resolveMap(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(allActions))
	for _, action := range allActions {
		for _, allowed := range permMap[action] {
			if dominates(role, allowed) {
				actions = append(actions, action)
				break
			}
		}
	}
	return actions, nil
}

// CanUpdatePermissions is the stricter check layered on top of Check for
// editing a resource's ACL map itself.
func (s *Service) CanUpdatePermissions(ctx context.Context, orgID, userID, resourceType, resourceID string) (bool, error) {
	role, err := s.resolveRole(ctx, orgID, userID)
	if err != nil {
		return false, err
	}
	if role == RoleOwner {
		return true, nil
	}
	switch resourceType {
	case ResourceFolder:
		return s.Check(ctx, orgID, userID, resourceType, resourceID, ActionManage)
	default:
		return role == RoleAdmin, nil
	}
}

func (s *Service) resolveRole(ctx context.Context, orgID, userID string) (Role, error) {
	raw, err := s.members.GetOrgRole(ctx, orgID, userID)
	if err != nil {
		return "", err
	}
	return Normalize(raw), nil
}

func (s *Service) resolveMap(ctx context.Context, resourceType, resourceID string) (map[Action][]Role, error) {
	raw, err := s.resources.PermissionsJSON(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return defaultMap(resourceType), nil
	}
	var parsed map[Action][]Role
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// A broken ACL must never fail the check closed for everyone with a
		// crash; fall back to the defaults and leave a trail.
		log.Printf("perm: malformed permission map for %s %s, using defaults: %v", resourceType, resourceID, err)
		return defaultMap(resourceType), nil
	}
	return parsed, nil
}
