package config

import (
	"os"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnvConfig.
const EnvPrefix = "DICOMGW_"

// ApplyEnvConfig applies configuration from environment variables
// (DICOMGW_*). Flags present in changed are kept. DICOMGW_FORWARD is a
// comma-separated list of destination names.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string {
		return strings.TrimSpace(os.Getenv(EnvPrefix + name))
	}

	s.setString("ae-title", env("AE_TITLE"), &cfg.AETitle)
	s.setString("listen", env("LISTEN"), &cfg.Listen)
	s.setString("metrics-listen", env("METRICS_LISTEN"), &cfg.MetricsListen)
	s.setString("journal-dir", env("JOURNAL_DIR"), &cfg.JournalDir)

	if err := s.setUint32FromString("max-pdu-length", env("MAX_PDU_LENGTH"), &cfg.MaxPDULength); err != nil {
		return err
	}
	if err := s.setIntFromString("connect-retries", env("CONNECT_RETRIES"), &cfg.ConnectRetries); err != nil {
		return err
	}

	for flag, d := range map[string]struct {
		value string
		dst   *time.Duration
	}{
		"journal-retention": {env("JOURNAL_RETENTION"), &cfg.JournalRetention},
		"connect-timeout":   {env("CONNECT_TIMEOUT"), &cfg.ConnectTimeout},
		"response-timeout":  {env("RESPONSE_TIMEOUT"), &cfg.ResponseTimeout},
		"connect-backoff":   {env("CONNECT_BACKOFF"), &cfg.ConnectBackoff},
		"progress-interval": {env("PROGRESS_INTERVAL"), &cfg.ProgressInterval},
	} {
		if err := s.setDuration(flag, d.value, d.dst); err != nil {
			return err
		}
	}

	if forward := env("FORWARD"); forward != "" {
		cfg.Forward = nil
		for _, name := range strings.Split(forward, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Forward = append(cfg.Forward, name)
			}
		}
	}

	s.setString("cloud-project", env("CLOUD_PROJECT"), &cfg.Cloud.Project)
	s.setString("cloud-location", env("CLOUD_LOCATION"), &cfg.Cloud.Location)
	s.setString("cloud-dataset", env("CLOUD_DATASET"), &cfg.Cloud.Dataset)
	s.setString("cloud-dicom-store", env("CLOUD_DICOM_STORE"), &cfg.Cloud.DICOMStore)
	s.setString("cloud-endpoint", env("CLOUD_ENDPOINT"), &cfg.Cloud.Endpoint)
	s.setString("cloud-credentials-file", env("CLOUD_CREDENTIALS_FILE"), &cfg.Cloud.CredentialsFile)
	return nil
}
