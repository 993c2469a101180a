package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sorenvik/credvault/internal/middleware"
	"github.com/sorenvik/credvault/internal/tlscerts"
)

// Certs is set from main.go during init.
var Certs *tlscerts.Manager

type generateCertRequest struct {
	Name               string   `json:"name" validate:"required,max=128"`
	Description        string   `json:"description" validate:"max=512"`
	CommonName         string   `json:"common_name" validate:"required,max=256"`
	Organization       string   `json:"organization"`
	OrganizationalUnit string   `json:"organizational_unit"`
	Country            string   `json:"country" validate:"omitempty,len=2"`
	State              string   `json:"state"`
	Locality           string   `json:"locality"`
	ValidityDays       int      `json:"validity_days" validate:"omitempty,min=1,max=7300"`
	KeyBits            int      `json:"key_bits" validate:"omitempty,min=2048,max=8192"`
	DNSNames           []string `json:"dns_names"`
	IPAddresses        []string `json:"ip_addresses"`
}

func (req generateCertRequest) createOptions(owner string) tlscerts.CreateOptions {
	return tlscerts.CreateOptions{
		Name:        req.Name,
		Description: req.Description,
		Owner:       owner,
		Options: tlscerts.Options{
			CommonName:         req.CommonName,
			Organization:       req.Organization,
			OrganizationalUnit: req.OrganizationalUnit,
			Country:            req.Country,
			State:              req.State,
			Locality:           req.Locality,
			ValidityDays:       req.ValidityDays,
			KeyBits:            req.KeyBits,
			DNSNames:           req.DNSNames,
			IPAddresses:        req.IPAddresses,
		},
	}
}

// GenerateCertificate issues a self-signed certificate. The private key is
// stored encrypted and never appears in the response.
func GenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req generateCertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Generate(req.createOptions(actor.ID), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GenerateCACertificate issues a self-signed CA certificate.
func GenerateCACertificate(w http.ResponseWriter, r *http.Request) {
	var req generateCertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.GenerateCA(req.createOptions(actor.ID), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type signCertRequest struct {
	Name         string `json:"name" validate:"required,max=128"`
	Description  string `json:"description" validate:"max=512"`
	CSRPem       string `json:"csr_pem" validate:"required"`
	CACertID     string `json:"ca_cert_id" validate:"required"`
	ValidityDays int    `json:"validity_days" validate:"omitempty,min=1,max=7300"`
}

// SignCertificate issues a leaf certificate from a CSR, signed by a stored
// CA.
func SignCertificate(w http.ResponseWriter, r *http.Request) {
	var req signCertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Sign(req.CSRPem, req.CACertID, req.Name, req.Description, actor.ID,
		tlscerts.Options{ValidityDays: req.ValidityDays}, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListCertificates lists the actor's certificates.
func ListCertificates(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"

	certs, err := Certs.List(actor.ID, includeRevoked)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"certificates": certs, "count": len(certs)})
}

// GetCertificate returns a single certificate record.
func GetCertificate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Get(chi.URLParam(r, "certId"), actor.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RevokeCertificate marks a certificate revoked.
func RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Revoke(chi.URLParam(r, "certId"), actor.ID, req.Reason, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RenewCertificate re-issues a certificate with a fresh validity window.
func RenewCertificate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)

	// Ownership check before the system-level renew path.
	if _, err := Certs.Get(chi.URLParam(r, "certId"), actor.ID); err != nil {
		writeAppError(w, err)
		return
	}

	rec, err := Sched.RenewCertificate(chi.URLParam(r, "certId"), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ValidateCertificate checks a stored certificate's validity window. Parse
// failures report invalid rather than erroring.
func ValidateCertificate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Get(chi.URLParam(r, "certId"), actor.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tlscerts.ValidateCertificate(rec.CertificatePEM))
}

// GetCertificateInfo returns the parsed fields of a stored certificate.
func GetCertificateInfo(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	rec, err := Certs.Get(chi.URLParam(r, "certId"), actor.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	info, err := tlscerts.GetCertificateInfo(rec.CertificatePEM)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
