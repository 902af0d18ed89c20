package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		permission Permission
		action     Action
		allow      bool
	}{
		{name: "none read", permission: PermissionNone, action: ActionRead, allow: false},
		{name: "read read", permission: PermissionRead, action: ActionRead, allow: true},
		{name: "read write", permission: PermissionRead, action: ActionWrite, allow: false},
		{name: "write write", permission: PermissionWrite, action: ActionWrite, allow: true},
		{name: "write manage", permission: PermissionWrite, action: ActionManage, allow: false},
		{name: "admin manage", permission: PermissionAdmin, action: ActionManage, allow: true},
		{name: "unknown read", permission: "owner", action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.permission, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.permission, tc.action, got, tc.allow)
			}
		})
	}
}

func TestParse(t *testing.T) {
	for _, value := range []string{"read", "write", "admin"} {
		if got, ok := Parse(value); !ok || string(got) != value {
			t.Fatalf("Parse(%q) = %q, %v", value, got, ok)
		}
	}
	if _, ok := Parse("editor"); ok {
		t.Fatal("Parse(editor) should fail")
	}
}
