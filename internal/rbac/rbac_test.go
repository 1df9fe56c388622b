package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer sync", role: RoleViewer, action: ActionSync, allow: false},
		{name: "commenter read", role: RoleCommenter, action: ActionRead, allow: true},
		{name: "commenter transition", role: RoleCommenter, action: ActionTransition, allow: false},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor sync", role: RoleEditor, action: ActionSync, allow: true},
		{name: "editor transition", role: RoleEditor, action: ActionTransition, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
}

func TestSessionPermissionsOverrideRole(t *testing.T) {
	session := NewSession("ws_1", "u_1", "Ada", RoleViewer)
	if session.Can(ActionSync) {
		t.Fatal("viewer session should not sync")
	}

	session.Permissions = []Action{ActionRead, ActionSync}
	if !session.Can(ActionSync) {
		t.Fatal("explicit sync permission should be honored")
	}
	if session.Can(ActionEdit) {
		t.Fatal("edit was not granted")
	}

	session.Permissions = []Action{}
	if session.Can(ActionRead) {
		t.Fatal("empty permission list grants nothing")
	}
}
