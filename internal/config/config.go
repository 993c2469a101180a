package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/credvault.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/credvault.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Lifecycle policy
	RotationThresholdDays int `envconfig:"ROTATION_THRESHOLD_DAYS" default:"90"`
	RenewalWindowDays     int `envconfig:"RENEWAL_WINDOW_DAYS" default:"30"`
	RetentionDays         int `envconfig:"RETENTION_DAYS" default:"365"`
	AuditRetentionDays    int `envconfig:"AUDIT_RETENTION_DAYS" default:"365"`

	// Crypto defaults
	SSHKeyBits int `envconfig:"SSH_KEY_BITS" default:"4096"`
	TLSKeyBits int `envconfig:"TLS_KEY_BITS" default:"2048"`

	// Remote deployment
	DeployTimeoutSeconds int `envconfig:"DEPLOY_TIMEOUT_SECONDS" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CREDVAULT", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
