package perm

import (
	"context"
	"testing"
)

type fakeMembers map[string]string // userID -> role

func (f fakeMembers) GetOrgRole(_ context.Context, _, userID string) (string, error) {
	return f[userID], nil
}

type fakeResources map[string]string // resourceID -> permissions JSON

func (f fakeResources) PermissionsJSON(_ context.Context, _, resourceID string) (string, error) {
	return f[resourceID], nil
}

func newTestService(members fakeMembers, resources fakeResources) *Service {
	if resources == nil {
		resources = fakeResources{}
	}
	return New(members, resources)
}

func TestCheckDefaultMap(t *testing.T) {
	svc := newTestService(fakeMembers{
		"u-owner":  "owner",
		"u-admin":  "admin",
		"u-editor": "editor",
		"u-member": "member",
		"u-viewer": "viewer",
	}, nil)

	cases := []struct {
		name   string
		user   string
		action Action
		allow  bool
	}{
		{name: "owner delete", user: "u-owner", action: ActionDelete, allow: true},
		{name: "admin manage", user: "u-admin", action: ActionManage, allow: true},
		{name: "editor edit", user: "u-editor", action: ActionEdit, allow: true},
		{name: "editor delete", user: "u-editor", action: ActionDelete, allow: false},
		{name: "member view", user: "u-member", action: ActionView, allow: true},
		{name: "member edit", user: "u-member", action: ActionEdit, allow: false},
		{name: "viewer view", user: "u-viewer", action: ActionView, allow: false},
		{name: "unknown user", user: "u-nobody", action: ActionView, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Check(context.Background(), "org-1", tc.user, ResourceKnowledgeItem, "ki-1", tc.action)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if got != tc.allow {
				t.Fatalf("Check(%s, %s) = %v, want %v", tc.user, tc.action, got, tc.allow)
			}
		})
	}
}

func TestCheckMonotonicity(t *testing.T) {
	// If a role passes, every role above it in the hierarchy must pass too.
	svc := newTestService(fakeMembers{
		"u-member": "member",
		"u-editor": "editor",
		"u-admin":  "admin",
		"u-owner":  "owner",
	}, fakeResources{
		"ki-1": `{"edit": ["member"]}`,
	})

	users := []string{"u-member", "u-editor", "u-admin", "u-owner"}
	for _, user := range users {
		got, err := svc.Check(context.Background(), "org-1", user, ResourceKnowledgeItem, "ki-1", ActionEdit)
		if err != nil {
			t.Fatalf("Check(%s): %v", user, err)
		}
		if !got {
			t.Fatalf("Check(%s, edit) = false, want true (monotonic hierarchy)", user)
		}
	}
}

func TestCheckMalformedMapFallsBack(t *testing.T) {
	svc := newTestService(fakeMembers{"u-editor": "editor"}, fakeResources{
		"ki-bad": `{not json`,
	})

	got, err := svc.Check(context.Background(), "org-1", "u-editor", ResourceKnowledgeItem, "ki-bad", ActionEdit)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !got {
		t.Fatal("malformed map should fall back to defaults, editor can edit")
	}
}

func TestOwnerBypassesExplicitMap(t *testing.T) {
	svc := newTestService(fakeMembers{"u-owner": "owner", "u-admin": "admin"}, fakeResources{
		"ki-locked": `{"view": ["owner"], "edit": ["owner"]}`,
	})

	got, err := svc.Check(context.Background(), "org-1", "u-owner", ResourceKnowledgeItem, "ki-locked", ActionDelete)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !got {
		t.Fatal("owner must pass every action regardless of the map")
	}

	got, err = svc.Check(context.Background(), "org-1", "u-admin", ResourceKnowledgeItem, "ki-locked", ActionEdit)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got {
		t.Fatal("admin does not dominate owner in an owner-only map")
	}
}

func TestEffectivePermissions(t *testing.T) {
	svc := newTestService(fakeMembers{"u-member": "member"}, nil)

	actions, err := svc.EffectivePermissions(context.Background(), "org-1", "u-member", ResourceKnowledgeItem, "ki-1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	want := map[Action]bool{ActionView: true, ActionComment: true}
	if len(actions) != len(want) {
		t.Fatalf("got %v, want view+comment", actions)
	}
	for _, action := range actions {
		if !want[action] {
			t.Fatalf("unexpected action %q for member", action)
		}
	}
}

func TestCanUpdatePermissions(t *testing.T) {
	svc := newTestService(fakeMembers{
		"u-admin":  "admin",
		"u-editor": "editor",
	}, fakeResources{
		"f-1": `{"manage": ["editor"]}`,
	})

	// Knowledge items require admin or owner, map is irrelevant.
	got, _ := svc.CanUpdatePermissions(context.Background(), "org-1", "u-editor", ResourceKnowledgeItem, "ki-1")
	if got {
		t.Fatal("editor must not update knowledge item permissions")
	}
	got, _ = svc.CanUpdatePermissions(context.Background(), "org-1", "u-admin", ResourceKnowledgeItem, "ki-1")
	if !got {
		t.Fatal("admin must update knowledge item permissions")
	}

	// Folders go through the manage action of the folder's own map.
	got, _ = svc.CanUpdatePermissions(context.Background(), "org-1", "u-editor", ResourceFolder, "f-1")
	if !got {
		t.Fatal("editor granted manage on folder must update its permissions")
	}
}
