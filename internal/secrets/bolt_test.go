package secrets

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "secrets.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := testStore(t)

	if err := s.SetSecret(KeySession, []byte(`{"user_id":"u1"}`)); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	got, err := s.GetSecret(KeySession)
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if string(got) != `{"user_id":"u1"}` {
		t.Errorf("GetSecret() = %q", got)
	}

	if err := s.DeleteSecret(KeySession); err != nil {
		t.Fatalf("DeleteSecret() error = %v", err)
	}
	got, err = s.GetSecret(KeySession)
	if err != nil {
		t.Fatalf("GetSecret() after delete error = %v", err)
	}
	if got != nil {
		t.Errorf("GetSecret() after delete = %q, want nil", got)
	}
}

func TestGetAbsentKey(t *testing.T) {
	s := testStore(t)
	got, err := s.GetSecret("nope")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetSecret(absent) = %v, want nil", got)
	}
}

func TestDeleteAbsentKey(t *testing.T) {
	s := testStore(t)
	if err := s.DeleteSecret("nope"); err != nil {
		t.Errorf("DeleteSecret(absent) error = %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	s := testStore(t)
	_ = s.SetSecret("k", []byte("v1"))
	_ = s.SetSecret("k", []byte("v2"))
	got, _ := s.GetSecret("k")
	if string(got) != "v2" {
		t.Errorf("GetSecret() = %q, want v2", got)
	}
}
