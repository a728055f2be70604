package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/agentrelay/internal/crypto"
	"github.com/obot-platform/agentrelay/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("s1", KeyBearerToken, "tok-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get("s1", KeyBearerToken)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("got %q, want tok-1", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("s1", KeyDBSiteURL, "http://a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("s1", KeyDBSiteURL, "http://b"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("s1", KeyDBSiteURL)
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://b" {
		t.Errorf("got %q, want http://b", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("s1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKeysAreSessionScoped(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("s1", KeyBearerToken, "tok-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("s2", KeyBearerToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other session, got %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	state := &model.SessionState{
		SessionID:  "s1",
		Repo:       "acme/hello",
		UserID:     "u1",
		Status:     model.StatusRunning,
		SandboxID:  "sb1",
		SandboxURL: "http://t1",
		Messages: []model.Message{
			{ID: "m1", Role: model.RoleUser, Parts: []model.MessagePart{model.TextPart("hi")}, Timestamp: 1},
		},
		CreatedAt: 1,
		UpdatedAt: 2,
	}
	if err := s.PutState(state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	loaded, err := s.GetState("s1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if loaded.Repo != "acme/hello" || loaded.Status != model.StatusRunning {
		t.Errorf("state fields lost: %+v", loaded)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Parts[0].Text != "hi" {
		t.Errorf("messages lost: %+v", loaded.Messages)
	}
}

func TestSecretsSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	sealer, err := crypto.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	s.UseSealer(sealer)

	if err := s.PutSecret("s1", KeyBearerToken, "tok-1"); err != nil {
		t.Fatalf("put secret: %v", err)
	}

	raw, err := s.Get("s1", KeyBearerToken)
	if err != nil {
		t.Fatal(err)
	}
	if raw == "tok-1" {
		t.Error("secret stored in plaintext")
	}

	got, err := s.GetSecret("s1", KeyBearerToken)
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("got %q, want tok-1", got)
	}
}

func TestSecretsPlainWithoutSealer(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutSecret("s1", KeyBearerToken, "tok-1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSecret("s1", KeyBearerToken)
	if err != nil || got != "tok-1" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestGetStateMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetState("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("s1", KeySession, "{}"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("s1", KeyBearerToken, "tok"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("s1", KeySession); !errors.Is(err, ErrNotFound) {
		t.Errorf("session key survived delete")
	}
	if _, err := s.Get("s1", KeyBearerToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("token key survived delete")
	}
}
