package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKeys(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeys(t, path, `{"id1":"k1","id2":"k2"}`)

	r, err := New(ModeAPIKey, path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if id, ok := r.Validate("k2"); !ok || id != "id2" {
		t.Errorf("Validate(k2) = %q,%v", id, ok)
	}
	if _, ok := r.Validate("wrong"); ok {
		t.Error("wrong key must not validate")
	}
	if _, ok := r.Validate(""); ok {
		t.Error("empty key must not validate")
	}
	if r.ActiveKeys() != 2 {
		t.Errorf("ActiveKeys = %d, want 2", r.ActiveKeys())
	}
}

func TestFailClosedOnUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	var hookOK *bool
	r, err := New(ModeAPIKey, path, time.Minute, WithReloadHook(func(ok bool, _ int) {
		hookOK = &ok
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !r.FailClosed() {
		t.Error("unreadable file must set the fail-closed latch")
	}
	if _, ok := r.Validate("anything"); ok {
		t.Error("fail-closed registry must deny everything")
	}
	if hookOK == nil || *hookOK {
		t.Error("hook should observe the failed load")
	}
}

func TestFailClosedOnBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeys(t, path, `{"id1":`)

	r, err := New(ModeAPIKey, path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !r.FailClosed() {
		t.Error("unparsable file must set the fail-closed latch")
	}
}

func TestReloadSwapsTableAndClearsLatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeys(t, path, `{"id1":`)

	r, err := New(ModeAPIKey, path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !r.FailClosed() {
		t.Fatal("precondition: fail-closed")
	}

	writeKeys(t, path, `{"id1":"k1"}`)
	r.reload()

	if r.FailClosed() {
		t.Error("successful reload must clear the latch")
	}
	if id, ok := r.Validate("k1"); !ok || id != "id1" {
		t.Errorf("Validate after reload = %q,%v", id, ok)
	}
}

func TestReloadFailureKeepsOldTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeys(t, path, `{"id1":"k1"}`)

	var results []bool
	r, err := New(ModeAPIKey, path, time.Minute, WithReloadHook(func(ok bool, _ int) {
		results = append(results, ok)
	}))
	if err != nil {
		t.Fatal(err)
	}

	writeKeys(t, path, `not json`)
	r.reload()

	if _, ok := r.Validate("k1"); !ok {
		t.Error("failed reload must leave the previous table in place")
	}
	if len(results) != 2 || results[0] != true || results[1] != false {
		t.Errorf("hook results = %v, want [true false]", results)
	}
}

func TestReloadSkipsUnchangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	writeKeys(t, path, `{"id1":"k1"}`)

	calls := 0
	r, err := New(ModeAPIKey, path, time.Minute, WithReloadHook(func(bool, int) {
		calls++
	}))
	if err != nil {
		t.Fatal(err)
	}

	r.reload()
	r.reload()
	if calls != 1 {
		t.Errorf("unchanged file should not re-fire the hook: %d calls", calls)
	}
}

func TestModeNone(t *testing.T) {
	r, err := New(ModeNone, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := r.Validate("anything"); !ok || id != "" {
		t.Errorf("mode none should accept with null identity, got %q,%v", id, ok)
	}
}

func TestModeJWTAlwaysDenies(t *testing.T) {
	r, err := New(ModeJWT, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Validate("eyJhbGciOiJIUzI1NiJ9.x.y"); ok {
		t.Error("jwt mode is declared but unimplemented; validation must fail")
	}
}

func TestEmptyTableDenies(t *testing.T) {
	r, err := New(ModeAPIKey, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Validate("k1"); ok {
		t.Error("empty table must deny")
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := New(Mode("saml"), "", 0); err == nil {
		t.Error("unknown mode should be rejected")
	}
}
