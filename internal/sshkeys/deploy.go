package sshkeys

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/sorenvik/credvault/internal/apperr"
	"golang.org/x/crypto/ssh"
)

// DefaultDeployTimeout bounds a single remote connection attempt.
const DefaultDeployTimeout = 30 * time.Second

const remoteSSHDir = ".ssh"

// HostConfig describes the remote host a key is deployed to. Exactly one of
// Password or PrivateKeyPEM must be set for authentication.
type HostConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	PrivateKeyPEM []byte
}

// Validate rejects a malformed host configuration before any I/O.
func (h HostConfig) Validate() error {
	const op = "sshkeys.HostConfig"
	if strings.TrimSpace(h.Host) == "" {
		return apperr.E(apperr.KindValidation, op, "host is required")
	}
	if strings.ContainsAny(h.Host, " \t\n") {
		return apperr.E(apperr.KindValidation, op, "host contains whitespace")
	}
	if h.Port < 0 || h.Port > 65535 {
		return apperr.E(apperr.KindValidation, op, "port out of range")
	}
	if strings.TrimSpace(h.Username) == "" {
		return apperr.E(apperr.KindValidation, op, "username is required")
	}
	if h.Password == "" && len(h.PrivateKeyPEM) == 0 {
		return apperr.E(apperr.KindValidation, op, "either password or private key is required")
	}
	return nil
}

func (h HostConfig) addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Host, fmt.Sprintf("%d", port))
}

// DeployResult reports the outcome of a deployment.
type DeployResult struct {
	Host        string `json:"host"`
	Fingerprint string `json:"fingerprint"`
	AlreadyHad  bool   `json:"already_had"`
}

// ConnectResult reports the outcome of a connectivity test.
type ConnectResult struct {
	Host      string `json:"host"`
	Output    string `json:"output"`
	LatencyMs int64  `json:"latency_ms"`
}

// dialSSHFunc is the function used to open SSH connections. It is a
// package-level var so tests can override it without a real SSH server.
var dialSSHFunc = func(addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, cfg)
}

func clientConfig(host HostConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(host.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(host.PrivateKeyPEM)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "sshkeys.clientConfig", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if host.Password != "" {
		auth = append(auth, ssh.Password(host.Password))
	}
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	return &ssh.ClientConfig{
		User:            host.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Deploy connects to the remote host, ensures the .ssh directory exists with
// restrictive permissions, and appends publicKey to authorized_keys if it is
// not already present. The upload goes to a temporary file that is chmodded
// 0600 and atomically renamed into place. The SSH session is closed on every
// exit path.
func Deploy(ctx context.Context, host HostConfig, publicKey string, timeout time.Duration) (*DeployResult, error) {
	const op = "sshkeys.Deploy"

	if err := host.Validate(); err != nil {
		return nil, err
	}
	keyLine := strings.TrimSpace(publicKey)
	if keyLine == "" {
		return nil, apperr.E(apperr.KindValidation, op, "public key is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}

	cfg, err := clientConfig(host, timeout)
	if err != nil {
		return nil, err
	}

	client, err := dialSSHFunc(host.addr(), cfg)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindDeployment, op, err, "dial %s", host.addr())
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	defer sftpClient.Close()

	// Ensure .ssh exists with correct permissions. Mkdir error is ignored
	// because the directory usually already exists.
	_ = sftpClient.Mkdir(remoteSSHDir)
	if err := sftpClient.Chmod(remoteSSHDir, 0700); err != nil {
		return nil, apperr.Wrapf(apperr.KindDeployment, op, err, "chmod %s", remoteSSHDir)
	}

	finalPath := path.Join(remoteSSHDir, "authorized_keys")
	existing, err := readRemoteFile(sftpClient, finalPath)
	if err != nil {
		return nil, err
	}

	fp, _ := FingerprintPublicKey(keyLine)
	result := &DeployResult{Host: host.Host, Fingerprint: fp}

	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == keyLine {
			result.AlreadyHad = true
			return result, nil
		}
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += keyLine + "\n"

	// Upload to a temporary file and rename into place so a dropped
	// connection never leaves a truncated authorized_keys behind.
	tmpPath := path.Join(remoteSSHDir, fmt.Sprintf("authorized_keys.credvault.%d", time.Now().UnixNano()))
	f, err := sftpClient.Create(tmpPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		_ = sftpClient.Remove(tmpPath)
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	f.Close()

	if err := sftpClient.Chmod(tmpPath, 0600); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	if err := sftpClient.Rename(tmpPath, finalPath); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return nil, apperr.Wrapf(apperr.KindDeployment, op, err, "rename authorized_keys")
	}

	return result, nil
}

// remoteOpener is the part of *sftp.Client that readRemoteFile needs.
type remoteOpener interface {
	Open(path string) (*sftp.File, error)
}

func readRemoteFile(c remoteOpener, p string) ([]byte, error) {
	f, err := c.Open(p)
	if err != nil {
		// Only a missing file means first deployment to this account. Any
		// other failure must not be mistaken for an empty file: rebuilding
		// authorized_keys from it would drop every existing key.
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrapf(apperr.KindDeployment, "sshkeys.readRemoteFile", err, "open %s", p)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindDeployment, "sshkeys.readRemoteFile", err, "read %s", p)
	}
	return data, nil
}

// TestConnection opens a session, runs a no-op probe command, and confirms a
// clean response. Same timeout discipline as Deploy.
func TestConnection(ctx context.Context, host HostConfig, timeout time.Duration) (*ConnectResult, error) {
	const op = "sshkeys.TestConnection"

	if err := host.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}

	cfg, err := clientConfig(host, timeout)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	client, err := dialSSHFunc(host.addr(), cfg)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindDeployment, op, err, "dial %s", host.addr())
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	defer session.Close()

	out, err := session.Output("echo ping")
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return nil, apperr.Wrapf(apperr.KindDeployment, op, err, "probe exit code %d", exitErr.ExitStatus())
		}
		return nil, apperr.Wrap(apperr.KindDeployment, op, err)
	}
	if !strings.Contains(string(out), "ping") {
		return nil, apperr.E(apperr.KindDeployment, op, "unexpected probe response")
	}

	return &ConnectResult{
		Host:      host.Host,
		Output:    strings.TrimSpace(string(out)),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
