package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ConnectionDescriptor identifies one source or target database. The password
// is an opaque secret and must never appear in logs; String redacts it.
type ConnectionDescriptor struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database" validate:"required"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	TLS      bool   `json:"tls" yaml:"tls"`
	Driver   string `json:"driver,omitempty" yaml:"driver"` // optional hint: postgres, mysql, sqlite
}

// DriverName resolves the adapter driver, preferring the explicit hint and
// falling back to descriptor syntax ("postgresql://..." style hosts).
func (d *ConnectionDescriptor) DriverName() string {
	if d.Driver != "" {
		return normalizeDriver(d.Driver)
	}
	switch {
	case strings.HasPrefix(d.Host, "postgresql://"), strings.HasPrefix(d.Host, "postgres://"):
		return "postgres"
	case strings.HasPrefix(d.Host, "mysql://"):
		return "mysql"
	case strings.HasPrefix(d.Host, "sqlite://"), strings.HasSuffix(d.Database, ".db"):
		return "sqlite"
	default:
		return "postgres"
	}
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return strings.ToLower(driver)
	}
}

// EffectivePort returns the configured port or the driver default.
func (d *ConnectionDescriptor) EffectivePort() int {
	if d.Port != 0 {
		return d.Port
	}
	switch d.DriverName() {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	default:
		return 0
	}
}

// DSN builds the driver-specific connection string.
func (d *ConnectionDescriptor) DSN() string {
	host := d.Host
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	switch d.DriverName() {
	case "postgres":
		sslmode := "disable"
		if d.TLS {
			sslmode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(d.Username), url.QueryEscape(d.Password),
			host, d.EffectivePort(), d.Database, sslmode)
	case "mysql":
		tls := "false"
		if d.TLS {
			tls = "true"
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=%s",
			d.Username, d.Password, host, d.EffectivePort(), d.Database, tls)
	case "sqlite":
		return d.Database
	default:
		return ""
	}
}

// String implements fmt.Stringer with the password redacted.
func (d *ConnectionDescriptor) String() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", d.DriverName(), d.Username, d.Host, d.EffectivePort(), d.Database)
}

// ToJSON serializes the descriptor for catalog storage.
func (d *ConnectionDescriptor) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to serialize connection descriptor: %w", err)
	}
	return string(data), nil
}

// ConnectionFromJSON deserializes a catalog-stored descriptor.
func ConnectionFromJSON(raw string) (*ConnectionDescriptor, error) {
	var d ConnectionDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to deserialize connection descriptor: %w", err)
	}
	return &d, nil
}
