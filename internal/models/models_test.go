package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestCachedMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(CachedMessage{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "ServerID", "not null")
	assertGormTag(t, typ, "ServerID", "index:idx_server_session")
	assertGormTag(t, typ, "SessionKey", "index:idx_server_session")
	assertGormTag(t, typ, "Role", "size:16")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "TurnID", "index")
	assertGormTag(t, typ, "IdempotencyKey", "index")
	assertGormTag(t, typ, "CreatedAt", "index")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "Optimistic", "bool")
	assertFieldType(t, typ, "Failed", "bool")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"user", RoleUser},
		{"human", RoleUser},
		{"assistant", RoleAgent},
		{"agent", RoleAgent},
		{"bot", RoleAgent},
		{"system", RoleSystem},
		{"tool", "tool"},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.in); got != tt.want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
