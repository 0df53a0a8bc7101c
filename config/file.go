package config

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/caio-sobreiro/dicomgateway/directory"
	"github.com/caio-sobreiro/dicomgateway/services"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	AETitle          string `toml:"ae_title"`
	Listen           string `toml:"listen"`
	MetricsListen    string `toml:"metrics_listen"`
	JournalDir       string `toml:"journal_dir"`
	JournalRetention string `toml:"journal_retention"`
	ConnectTimeout   string `toml:"connect_timeout"`
	ResponseTimeout  string `toml:"response_timeout"`
	MaxPDULength     uint32 `toml:"max_pdu_length"`
	ConnectRetries   *int   `toml:"connect_retries"`
	ConnectBackoff   string `toml:"connect_backoff"`
	ProgressInterval string `toml:"progress_interval"`

	Destinations []FileDestination   `toml:"destinations"`
	Routes       map[string][]string `toml:"routes"`
	Forward      []string            `toml:"forward"`
	Cloud        FileCloud           `toml:"cloud"`
}

// FileDestination is one [[destinations]] table.
type FileDestination struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Kind     string `toml:"kind"`
	Required bool   `toml:"required"`
}

// FileCloud is the [cloud] table.
type FileCloud struct {
	Project         string `toml:"project"`
	Location        string `toml:"location"`
	Dataset         string `toml:"dataset"`
	DICOMStore      string `toml:"dicom_store"`
	Endpoint        string `toml:"endpoint"`
	CredentialsFile string `toml:"credentials_file"`
	PageSize        int    `toml:"page_size"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, errors.WithStack(err)
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, errors.Wrapf(err, "parse %s", path)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.dicomgateway/config.toml, or "" if the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".dicomgateway", "config.toml")
	}
	return ""
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFileConfig applies configuration from a file to cfg. Values of flags
// present in changed are kept. Destinations, routes and forward have no
// flags and are always taken from the file when present.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("ae-title", fc.AETitle, &cfg.AETitle)
	s.setString("listen", fc.Listen, &cfg.Listen)
	s.setString("metrics-listen", fc.MetricsListen, &cfg.MetricsListen)
	s.setString("journal-dir", fc.JournalDir, &cfg.JournalDir)
	s.setUint32("max-pdu-length", fc.MaxPDULength, &cfg.MaxPDULength)
	s.setInt("connect-retries", fc.ConnectRetries, &cfg.ConnectRetries)

	for flag, d := range map[string]struct {
		value string
		dst   *time.Duration
	}{
		"journal-retention": {fc.JournalRetention, &cfg.JournalRetention},
		"connect-timeout":   {fc.ConnectTimeout, &cfg.ConnectTimeout},
		"response-timeout":  {fc.ResponseTimeout, &cfg.ResponseTimeout},
		"connect-backoff":   {fc.ConnectBackoff, &cfg.ConnectBackoff},
		"progress-interval": {fc.ProgressInterval, &cfg.ProgressInterval},
	} {
		if err := s.setDuration(flag, d.value, d.dst); err != nil {
			return err
		}
	}

	if len(fc.Destinations) > 0 {
		cfg.Destinations = make([]directory.Entry, 0, len(fc.Destinations))
		for _, d := range fc.Destinations {
			cfg.Destinations = append(cfg.Destinations, directory.Entry{
				Destination: directory.Destination{Name: d.Name, Host: d.Host, Port: d.Port},
				Kind:        directory.Kind(d.Kind),
				Required:    d.Required,
			})
		}
	}
	if cfg.Routes == nil && len(fc.Routes) > 0 {
		cfg.Routes = services.Routes{}
	}
	for ae, names := range fc.Routes {
		cfg.Routes[ae] = names
	}
	if len(fc.Forward) > 0 {
		cfg.Forward = fc.Forward
	}

	s.setString("cloud-project", fc.Cloud.Project, &cfg.Cloud.Project)
	s.setString("cloud-location", fc.Cloud.Location, &cfg.Cloud.Location)
	s.setString("cloud-dataset", fc.Cloud.Dataset, &cfg.Cloud.Dataset)
	s.setString("cloud-dicom-store", fc.Cloud.DICOMStore, &cfg.Cloud.DICOMStore)
	s.setString("cloud-endpoint", fc.Cloud.Endpoint, &cfg.Cloud.Endpoint)
	s.setString("cloud-credentials-file", fc.Cloud.CredentialsFile, &cfg.Cloud.CredentialsFile)
	if fc.Cloud.PageSize > 0 {
		cfg.Cloud.PageSize = fc.Cloud.PageSize
	}
	return nil
}
