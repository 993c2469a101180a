package sshkeys

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/database"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.SSHKey{}, &database.SecurityAuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeSink struct {
	entries []audit.Entry
}

func (f *fakeSink) Record(e audit.Entry) {
	f.entries = append(f.entries, e)
}

func (f *fakeSink) lastEvent(eventType string) *audit.Entry {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].EventType == eventType {
			return &f.entries[i]
		}
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeSink) {
	t.Helper()
	db := setupTestDB(t)
	sink := &fakeSink{}
	mgr := NewManager(db, sink, func() ([]byte, error) { return testMasterKey(), nil }, ManagerConfig{
		DefaultBits: 2048, // small keys keep the tests fast
	})
	return mgr, sink
}

var testActor = audit.Actor{ID: "alice", SourceIP: "10.0.0.5", UserAgent: "test"}

func TestManagerGenerate_PersistsEncrypted(t *testing.T) {
	mgr, sink := newTestManager(t)

	rec, err := mgr.Generate(GenerateOptions{Name: "deploy-key", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if rec.KeyID == "" || rec.Fingerprint == "" {
		t.Error("missing identifiers on record")
	}
	if !rec.Active {
		t.Error("new key not active")
	}
	if bytes.Contains(rec.EncryptedPrivateKey, []byte("PRIVATE KEY")) {
		t.Error("stored private key is not encrypted")
	}
	if len(rec.IV) != 12 || len(rec.AuthTag) != 16 {
		t.Errorf("unexpected IV/tag sizes: %d/%d", len(rec.IV), len(rec.AuthTag))
	}

	entry := sink.lastEvent(audit.EventKeyGenerated)
	if entry == nil {
		t.Fatal("no audit entry recorded")
	}
	if entry.Result != audit.ResultSuccess || entry.ResourceID != rec.KeyID {
		t.Errorf("unexpected audit entry: %+v", entry)
	}
}

func TestManagerGenerate_RequiresName(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Generate(GenerateOptions{Owner: "alice"}, testActor)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestManagerGenerate_ExpiresAt(t *testing.T) {
	mgr, _ := newTestManager(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mgr.SetNowFunc(func() time.Time { return now })

	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice", ExpiresInDays: 30}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(now.AddDate(0, 0, 30)) {
		t.Errorf("unexpected expiry: %v", rec.ExpiresAt)
	}
}

func TestManagerGet_OwnerScoping(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := mgr.Get(rec.KeyID, "alice"); err != nil {
		t.Errorf("owner lookup failed: %v", err)
	}
	if _, err := mgr.Get(rec.KeyID, "mallory"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found for foreign owner, got %v", err)
	}
	// Empty owner is the system path and skips the check.
	if _, err := mgr.Get(rec.KeyID, ""); err != nil {
		t.Errorf("system lookup failed: %v", err)
	}
}

func TestManagerRevoke(t *testing.T) {
	mgr, sink := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	revoked, err := mgr.Revoke(rec.KeyID, "alice", "compromised", testActor)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Active || revoked.RevokedAt == nil {
		t.Error("key still active after revoke")
	}
	if revoked.RevokedBy != "alice" || revoked.RevocationReason != "compromised" {
		t.Errorf("revocation metadata wrong: %+v", revoked)
	}

	if _, err := mgr.Revoke(rec.KeyID, "alice", "again", testActor); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error on double revoke, got %v", err)
	}

	if sink.lastEvent(audit.EventKeyRevoked) == nil {
		t.Error("no revoke audit entry")
	}
}

func TestManagerRotate_ExactlyOneActive(t *testing.T) {
	mgr, sink := newTestManager(t)
	old, err := mgr.Generate(GenerateOptions{Name: "rotating", Owner: "alice", ExpiresInDays: 180}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	successor, err := mgr.Rotate(old.KeyID, audit.System, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if successor.KeyID == old.KeyID {
		t.Error("successor reuses predecessor id")
	}
	if successor.Owner != "alice" || successor.Name != "rotating" {
		t.Errorf("successor lost metadata: %+v", successor)
	}
	if successor.ExpiresAt == nil {
		t.Error("successor lost expiry policy")
	}

	oldRec, err := mgr.Get(old.KeyID, "")
	if err != nil {
		t.Fatalf("get predecessor: %v", err)
	}
	if oldRec.Active {
		t.Error("predecessor still active after rotation")
	}
	if oldRec.RevocationReason != RotationReasonAutomatic {
		t.Errorf("unexpected revocation reason: %q", oldRec.RevocationReason)
	}

	entry := sink.lastEvent(audit.EventKeyRotated)
	if entry == nil {
		t.Fatal("no rotation audit entry")
	}
	if entry.Details["predecessor"] != old.KeyID || entry.Details["successor"] != successor.KeyID {
		t.Errorf("rotation audit does not link both keys: %+v", entry.Details)
	}
}

func TestManagerRotate_RevokedKeyRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Revoke(rec.KeyID, "alice", "done", testActor); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := mgr.Rotate(rec.KeyID, audit.System, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error rotating revoked key, got %v", err)
	}
}

func TestManagerDeploy_UnreachableHostAudited(t *testing.T) {
	mgr, sink := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	orig := dialSSHFunc
	dialSSHFunc = func(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, errors.New("connection refused")
	}
	defer func() { dialSSHFunc = orig }()

	host := HostConfig{Host: "down.example.com", Username: "deploy", Password: "pw"}
	_, err = mgr.Deploy(context.Background(), rec.KeyID, "alice", DeployOptions{Host: host}, testActor)
	if apperr.KindOf(err) != apperr.KindDeployment {
		t.Fatalf("expected deployment error, got %v", err)
	}

	entry := sink.lastEvent(audit.EventKeyDeployed)
	if entry == nil {
		t.Fatal("deployment failure not audited")
	}
	if entry.Result != audit.ResultFailure {
		t.Errorf("expected failure result, got %q", entry.Result)
	}
	if entry.ErrorMessage == "" {
		t.Error("audit entry missing error message")
	}
}

func TestManagerTestConnection_RecordsLastUsed(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	orig := testConnectionFunc
	testConnectionFunc = func(ctx context.Context, host HostConfig, timeout time.Duration) (*ConnectResult, error) {
		return &ConnectResult{Host: host.Host, Output: "ping", LatencyMs: 1}, nil
	}
	defer func() { testConnectionFunc = orig }()

	host := HostConfig{Host: "h", Username: "u", Password: "pw"}
	if _, err := mgr.TestConnection(context.Background(), rec.KeyID, "alice", host, testActor); err != nil {
		t.Fatalf("test connection: %v", err)
	}

	after, err := mgr.Get(rec.KeyID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.LastUsedAt == nil {
		t.Error("successful probe did not record last_used_at")
	}
}

func TestManagerTestConnection_BookkeepingFailureSurfaces(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, &fakeSink{}, func() ([]byte, error) { return testMasterKey(), nil },
		ManagerConfig{DefaultBits: 2048})

	orig := testConnectionFunc
	testConnectionFunc = func(ctx context.Context, host HostConfig, timeout time.Duration) (*ConnectResult, error) {
		return &ConnectResult{Host: host.Host, Output: "ping", LatencyMs: 1}, nil
	}
	defer func() { testConnectionFunc = orig }()

	if err := db.Migrator().DropTable(&database.SSHKey{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	host := HostConfig{Host: "h", Username: "u", Password: "pw"}
	_, err := mgr.TestConnection(context.Background(), "some-key", "alice", host, testActor)
	if apperr.KindOf(err) != apperr.KindStore {
		t.Errorf("expected store error when the update fails, got %v", err)
	}
}

func TestManagerDeploy_RevokedKeyRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(GenerateOptions{Name: "k", Owner: "alice"}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Revoke(rec.KeyID, "alice", "done", testActor); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	host := HostConfig{Host: "h", Username: "u", Password: "pw"}
	_, err = mgr.Deploy(context.Background(), rec.KeyID, "alice", DeployOptions{Host: host}, testActor)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}
