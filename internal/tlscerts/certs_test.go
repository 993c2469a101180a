package tlscerts

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/sorenvik/credvault/internal/apperr"
)

func TestGenerateCertificate_SelfSigned(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "svc.example.com", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	cert, err := ParseCertificatePEM(bundle.CertificatePEM)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cert.Subject.CommonName != "svc.example.com" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if cert.Subject.String() != cert.Issuer.String() {
		t.Error("self-signed cert has differing subject and issuer")
	}
	if cert.IsCA {
		t.Error("leaf certificate marked as CA")
	}
	if bundle.Algorithm != "RSA" || bundle.KeySize != 2048 {
		t.Errorf("bundle metadata wrong: %s/%d", bundle.Algorithm, bundle.KeySize)
	}

	// Default validity is one year.
	lifetime := cert.NotAfter.Sub(cert.NotBefore)
	if lifetime < 364*24*time.Hour || lifetime > 366*24*time.Hour {
		t.Errorf("unexpected lifetime %v", lifetime)
	}
}

func TestGenerateCertificate_DefaultSANs(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "local", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cert, _ := ParseCertificatePEM(bundle.CertificatePEM)

	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("expected localhost SAN, got %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 2 {
		t.Errorf("expected loopback IPs, got %v", cert.IPAddresses)
	}
}

func TestGenerateCertificate_ExplicitSANs(t *testing.T) {
	bundle, err := GenerateCertificate(Options{
		CommonName:  "svc",
		KeyBits:     2048,
		DNSNames:    []string{"svc.internal", "svc.example.com"},
		IPAddresses: []string{"192.0.2.10"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cert, _ := ParseCertificatePEM(bundle.CertificatePEM)
	if len(cert.DNSNames) != 2 || len(cert.IPAddresses) != 1 {
		t.Errorf("SANs not carried: %v %v", cert.DNSNames, cert.IPAddresses)
	}
}

func TestGenerateCertificate_RequiresCommonName(t *testing.T) {
	_, err := GenerateCertificate(Options{})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGenerateCA(t *testing.T) {
	bundle, err := GenerateCA(Options{CommonName: "Test Root CA", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	cert, _ := ParseCertificatePEM(bundle.CertificatePEM)

	if !cert.IsCA || !bundle.IsCA {
		t.Error("CA certificate not marked as CA")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA missing cert-sign key usage")
	}
	// CAs get the long default lifetime.
	if cert.NotAfter.Sub(cert.NotBefore) < 9*365*24*time.Hour {
		t.Errorf("CA lifetime too short: %v", cert.NotAfter.Sub(cert.NotBefore))
	}
}

func makeCSR(t *testing.T, cn string) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("csr key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: []string{cn},
	}, key)
	if err != nil {
		t.Fatalf("create csr: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), key
}

func TestSignCertificate(t *testing.T) {
	ca, err := GenerateCA(Options{CommonName: "Test Root CA", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	csrPEM, _ := makeCSR(t, "leaf.example.com")

	bundle, err := SignCertificate(csrPEM, ca.PrivateKeyPEM, ca.CertificatePEM, Options{ValidityDays: 90})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cert, _ := ParseCertificatePEM(bundle.CertificatePEM)
	if cert.Subject.CommonName != "leaf.example.com" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if !strings.Contains(cert.Issuer.String(), "Test Root CA") {
		t.Errorf("issuer = %q", cert.Issuer.String())
	}

	caCert, _ := ParseCertificatePEM(ca.CertificatePEM)
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		t.Errorf("leaf not verifiable against CA: %v", err)
	}
	if len(bundle.PrivateKeyPEM) != 0 {
		t.Error("CSR-signed bundle should carry no private key")
	}
}

func TestSignCertificate_MalformedCSR(t *testing.T) {
	ca, err := GenerateCA(Options{CommonName: "Test Root CA", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	_, err = SignCertificate("not a csr", ca.PrivateKeyPEM, ca.CertificatePEM, Options{})
	if apperr.KindOf(err) != apperr.KindParse {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestParseCertificatePEM_Malformed(t *testing.T) {
	_, err := ParseCertificatePEM("garbage")
	if apperr.KindOf(err) != apperr.KindParse {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidateCertificateAt(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "svc", KeyBits: 2048, ValidityDays: 10})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	now := time.Now()

	valid := ValidateCertificateAt(bundle.CertificatePEM, now.Add(time.Hour))
	if !valid.Valid || valid.Expired || valid.NotYetValid {
		t.Errorf("expected valid inside window: %+v", valid)
	}

	expired := ValidateCertificateAt(bundle.CertificatePEM, now.AddDate(0, 0, 11))
	if expired.Valid || !expired.Expired {
		t.Errorf("expected expired: %+v", expired)
	}

	early := ValidateCertificateAt(bundle.CertificatePEM, now.Add(-time.Hour))
	if early.Valid || !early.NotYetValid {
		t.Errorf("expected not yet valid: %+v", early)
	}
}

func TestValidateCertificate_ParseFailureIsInvalid(t *testing.T) {
	result := ValidateCertificate("garbage")
	if result.Valid {
		t.Error("unparseable certificate reported valid")
	}
	if result.Error == "" {
		t.Error("parse failure carries no error detail")
	}
}

func TestNeedsRenewalAt(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "svc", KeyBits: 2048, ValidityDays: 100})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	issued := time.Now()
	if NeedsRenewalAt(bundle.CertificatePEM, 30, issued) {
		t.Error("fresh certificate should not need renewal")
	}
	if !NeedsRenewalAt(bundle.CertificatePEM, 30, issued.AddDate(0, 0, 71)) {
		t.Error("certificate inside renewal window should need renewal")
	}
	if !NeedsRenewalAt(bundle.CertificatePEM, 30, issued.AddDate(0, 0, 200)) {
		t.Error("expired certificate should need renewal")
	}
}

func TestNeedsRenewal_UnparseableFailsSafe(t *testing.T) {
	if !NeedsRenewal("garbage", 30) {
		t.Error("unparseable certificate should be treated as needing renewal")
	}
}

func TestGetCertificateInfo(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "svc.example.com", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	info, err := GetCertificateInfo(bundle.CertificatePEM)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(info.Subject, "svc.example.com") {
		t.Errorf("subject = %q", info.Subject)
	}
	if info.KeySize != 2048 || info.IsCA {
		t.Errorf("info metadata wrong: %+v", info)
	}
	if info.Fingerprint != bundle.Fingerprint {
		t.Error("info fingerprint differs from bundle fingerprint")
	}

	found := false
	for _, ext := range info.Extensions {
		if ext == "basicConstraints" {
			found = true
		}
	}
	if !found {
		t.Errorf("basicConstraints not named in extensions: %v", info.Extensions)
	}
}

func TestBundlePrivateKeyIsPKCS1(t *testing.T) {
	bundle, err := GenerateCertificate(Options{CommonName: "svc", KeyBits: 2048})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	block, _ := pem.Decode(bundle.PrivateKeyPEM)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatal("private key is not a PKCS#1 PEM block")
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Errorf("private key does not parse: %v", err)
	}
	if !bytes.Contains(bundle.PrivateKeyPEM, []byte("RSA PRIVATE KEY")) {
		t.Error("unexpected PEM header")
	}
}
