package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sorenvik/credvault/internal/middleware"
	"github.com/sorenvik/credvault/internal/sshkeys"
)

// Keys is set from main.go during init.
var Keys *sshkeys.Manager

type generateKeyRequest struct {
	Name          string `json:"name" validate:"required,max=128"`
	Description   string `json:"description" validate:"max=512"`
	Bits          int    `json:"bits" validate:"omitempty,min=2048,max=8192"`
	ExpiresInDays int    `json:"expires_in_days" validate:"omitempty,min=1"`
}

// GenerateSSHKey creates a new key pair owned by the requesting actor. The
// response never contains private key material.
func GenerateSSHKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Keys.Generate(sshkeys.GenerateOptions{
		Name:          req.Name,
		Description:   req.Description,
		Bits:          req.Bits,
		ExpiresInDays: req.ExpiresInDays,
		Owner:         actor.ID,
	}, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListSSHKeys lists the actor's keys. ?include_revoked=true includes
// revoked records.
func ListSSHKeys(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"

	keys, err := Keys.List(actor.ID, includeRevoked)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

// GetSSHKey returns a single key by its identifier.
func GetSSHKey(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)
	rec, err := Keys.Get(chi.URLParam(r, "keyId"), actor.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// RevokeSSHKey marks a key revoked.
func RevokeSSHKey(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	rec, err := Keys.Revoke(chi.URLParam(r, "keyId"), actor.ID, req.Reason, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type deployRequest struct {
	Host      string `json:"host" validate:"required"`
	Port      int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password"`
	AuthKeyID string `json:"auth_key_id"`
}

func (req deployRequest) hostConfig() sshkeys.HostConfig {
	return sshkeys.HostConfig{
		Host:     strings.TrimSpace(req.Host),
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
	}
}

// DeploySSHKey pushes the key's public half to a remote authorized_keys
// file. Authentication uses the supplied password or the decrypted private
// key of auth_key_id.
func DeploySSHKey(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	result, err := Keys.Deploy(r.Context(), chi.URLParam(r, "keyId"), actor.ID, sshkeys.DeployOptions{
		Host:      req.hostConfig(),
		AuthKeyID: req.AuthKeyID,
	}, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TestSSHConnection probes a remote host with the stored key (or the
// supplied password) and reports latency.
func TestSSHConnection(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor := middleware.ActorFromRequest(r)
	result, err := Keys.TestConnection(r.Context(), chi.URLParam(r, "keyId"), actor.ID, req.hostConfig(), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RotateSSHKey replaces a key with a fresh pair and revokes the old one.
func RotateSSHKey(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromRequest(r)

	// Ownership check before the system-level rotate path.
	if _, err := Keys.Get(chi.URLParam(r, "keyId"), actor.ID); err != nil {
		writeAppError(w, err)
		return
	}

	rec, err := Sched.RotateKey(chi.URLParam(r, "keyId"), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
