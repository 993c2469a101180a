package tlscerts

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/audit"
	"github.com/sorenvik/credvault/internal/database"
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
	if err := db.AutoMigrate(&database.TLSCertificate{}, &database.SecurityAuditLog{}); err != nil {
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

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestManager(t *testing.T) (*Manager, *fakeSink) {
	t.Helper()
	db := setupTestDB(t)
	sink := &fakeSink{}
	mgr := NewManager(db, sink, func() ([]byte, error) { return testMasterKey(), nil }, ManagerConfig{
		DefaultBits: 2048,
	})
	return mgr, sink
}

var testActor = audit.Actor{ID: "alice", SourceIP: "10.0.0.5", UserAgent: "test"}

func leafOptions(name string) CreateOptions {
	return CreateOptions{
		Name:  name,
		Owner: "alice",
		Options: Options{
			CommonName: name + ".example.com",
			KeyBits:    2048,
		},
	}
}

func TestManagerGenerate_PersistsEncrypted(t *testing.T) {
	mgr, sink := newTestManager(t)

	rec, err := mgr.Generate(leafOptions("web"), testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.CertID == "" || rec.Fingerprint == "" || rec.SerialNumber == "" {
		t.Error("missing identifiers on record")
	}
	if !rec.Active || rec.IsCA {
		t.Errorf("unexpected state: active=%v isCA=%v", rec.Active, rec.IsCA)
	}
	if bytes.Contains(rec.EncryptedPrivateKey, []byte("PRIVATE KEY")) {
		t.Error("stored private key is not encrypted")
	}
	if len(rec.IV) != 12 || len(rec.AuthTag) != 16 {
		t.Errorf("unexpected IV/tag sizes: %d/%d", len(rec.IV), len(rec.AuthTag))
	}

	entry := sink.lastEvent(audit.EventCertGenerated)
	if entry == nil || entry.Result != audit.ResultSuccess {
		t.Errorf("missing or failed audit entry: %+v", entry)
	}
}

func TestManagerGenerateCA(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.GenerateCA(CreateOptions{
		Name:    "root",
		Owner:   "alice",
		Options: Options{CommonName: "Root CA", KeyBits: 2048},
	}, testActor)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	if !rec.IsCA {
		t.Error("CA record not marked as CA")
	}
}

func TestManagerGenerate_RequiresName(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Generate(CreateOptions{Owner: "alice", Options: Options{CommonName: "x"}}, testActor)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestManagerSign_WithStoredCA(t *testing.T) {
	mgr, _ := newTestManager(t)
	ca, err := mgr.GenerateCA(CreateOptions{
		Name:    "root",
		Owner:   "alice",
		Options: Options{CommonName: "Root CA", KeyBits: 2048},
	}, testActor)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}

	csrPEM, _ := makeCSR(t, "signed.example.com")
	rec, err := mgr.Sign(csrPEM, ca.CertID, "signed-leaf", "", "alice", Options{ValidityDays: 90}, testActor)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec.ParentCAID == nil || *rec.ParentCAID != ca.CertID {
		t.Error("signed leaf does not reference its CA")
	}

	cert, err := ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	caCert, _ := ParseCertificatePEM(ca.CertificatePEM)
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		t.Errorf("leaf not verifiable against CA: %v", err)
	}
}

func TestManagerSign_NonCARejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	leaf, err := mgr.Generate(leafOptions("web"), testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	csrPEM, _ := makeCSR(t, "x")
	_, err = mgr.Sign(csrPEM, leaf.CertID, "bad", "", "alice", Options{}, testActor)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestManagerRevoke(t *testing.T) {
	mgr, sink := newTestManager(t)
	rec, err := mgr.Generate(leafOptions("web"), testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	revoked, err := mgr.Revoke(rec.CertID, "alice", "superseded", testActor)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Active || revoked.RevokedAt == nil {
		t.Error("certificate still active after revoke")
	}
	if _, err := mgr.Revoke(rec.CertID, "alice", "again", testActor); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error on double revoke, got %v", err)
	}
	if sink.lastEvent(audit.EventCertRevoked) == nil {
		t.Error("no revoke audit entry")
	}
}

func TestManagerRenew_ExactlyOneActive(t *testing.T) {
	mgr, sink := newTestManager(t)
	old, err := mgr.Generate(CreateOptions{
		Name:  "web",
		Owner: "alice",
		Options: Options{
			CommonName:   "web.example.com",
			Organization: "Acme",
			KeyBits:      2048,
			ValidityDays: 100,
			DNSNames:     []string{"web.example.com", "www.example.com"},
		},
	}, testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	successor, err := mgr.Renew(old.CertID, audit.System, "")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if successor.CertID == old.CertID {
		t.Error("successor reuses predecessor id")
	}
	if successor.Fingerprint == old.Fingerprint {
		t.Error("successor reuses predecessor key material")
	}

	cert, err := ParseCertificatePEM(successor.CertificatePEM)
	if err != nil {
		t.Fatalf("parse successor: %v", err)
	}
	if cert.Subject.CommonName != "web.example.com" {
		t.Errorf("subject not preserved: %q", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) == 0 || cert.Subject.Organization[0] != "Acme" {
		t.Errorf("organization not preserved: %v", cert.Subject.Organization)
	}
	if len(cert.DNSNames) != 2 {
		t.Errorf("SANs not preserved: %v", cert.DNSNames)
	}
	// Fresh validity window of the same length.
	lifetime := cert.NotAfter.Sub(cert.NotBefore)
	if lifetime < 99*24*time.Hour || lifetime > 101*24*time.Hour {
		t.Errorf("unexpected successor lifetime %v", lifetime)
	}

	oldRec, err := mgr.Get(old.CertID, "")
	if err != nil {
		t.Fatalf("get predecessor: %v", err)
	}
	if oldRec.Active {
		t.Error("predecessor still active after renewal")
	}
	if oldRec.RevocationReason != RenewalReasonAutomatic {
		t.Errorf("unexpected revocation reason: %q", oldRec.RevocationReason)
	}

	entry := sink.lastEvent(audit.EventCertRenewed)
	if entry == nil {
		t.Fatal("no renewal audit entry")
	}
	if entry.Details["predecessor"] != old.CertID || entry.Details["successor"] != successor.CertID {
		t.Errorf("renewal audit does not link both certs: %+v", entry.Details)
	}
}

func TestManagerRenew_CARejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ca, err := mgr.GenerateCA(CreateOptions{
		Name:    "root",
		Owner:   "alice",
		Options: Options{CommonName: "Root CA", KeyBits: 2048},
	}, testActor)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}

	if _, err := mgr.Renew(ca.CertID, audit.System, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error renewing a CA, got %v", err)
	}
}

func TestManagerRenew_RevokedRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(leafOptions("web"), testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Revoke(rec.CertID, "alice", "done", testActor); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := mgr.Renew(rec.CertID, audit.System, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestManagerGet_OwnerScoping(t *testing.T) {
	mgr, _ := newTestManager(t)
	rec, err := mgr.Generate(leafOptions("web"), testActor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Get(rec.CertID, "mallory"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found for foreign owner, got %v", err)
	}
}
