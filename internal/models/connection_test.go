package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverNameResolution(t *testing.T) {
	cases := []struct {
		desc ConnectionDescriptor
		want string
	}{
		{ConnectionDescriptor{Driver: "postgres"}, "postgres"},
		{ConnectionDescriptor{Driver: "PostgreSQL"}, "postgres"},
		{ConnectionDescriptor{Driver: "pgx"}, "postgres"},
		{ConnectionDescriptor{Driver: "mariadb"}, "mysql"},
		{ConnectionDescriptor{Driver: "sqlite3"}, "sqlite"},
		{ConnectionDescriptor{Host: "postgres://db.internal"}, "postgres"},
		{ConnectionDescriptor{Host: "mysql://db.internal"}, "mysql"},
		{ConnectionDescriptor{Database: "local.db"}, "sqlite"},
		{ConnectionDescriptor{Host: "db.internal"}, "postgres"}, // default
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.desc.DriverName())
	}
}

func TestEffectivePortDefaults(t *testing.T) {
	pg := ConnectionDescriptor{Driver: "postgres"}
	require.Equal(t, 5432, pg.EffectivePort())

	my := ConnectionDescriptor{Driver: "mysql"}
	require.Equal(t, 3306, my.EffectivePort())

	explicit := ConnectionDescriptor{Driver: "postgres", Port: 6432}
	require.Equal(t, 6432, explicit.EffectivePort())
}

func TestDSNPostgres(t *testing.T) {
	desc := ConnectionDescriptor{
		Host:     "db.internal",
		Database: "app",
		Username: "migrator",
		Password: "p@ss/word",
		Driver:   "postgres",
	}
	dsn := desc.DSN()
	require.Contains(t, dsn, "postgres://migrator:")
	require.Contains(t, dsn, "@db.internal:5432/app")
	require.Contains(t, dsn, "sslmode=disable")
	// Reserved characters in credentials must be escaped.
	require.NotContains(t, dsn, "p@ss/word")

	desc.TLS = true
	require.Contains(t, desc.DSN(), "sslmode=require")
}

func TestDSNMySQL(t *testing.T) {
	desc := ConnectionDescriptor{
		Host:     "db.internal",
		Port:     3307,
		Database: "app",
		Username: "migrator",
		Password: "secret",
		Driver:   "mysql",
	}
	require.Equal(t,
		"migrator:secret@tcp(db.internal:3307)/app?parseTime=true&tls=false",
		desc.DSN())
}

func TestDSNSQLiteIsThePath(t *testing.T) {
	desc := ConnectionDescriptor{Host: "localhost", Database: "/tmp/data.db", Driver: "sqlite"}
	require.Equal(t, "/tmp/data.db", desc.DSN())
}

func TestStringRedactsPassword(t *testing.T) {
	desc := ConnectionDescriptor{
		Host:     "db.internal",
		Database: "app",
		Username: "migrator",
		Password: "hunter2",
		Driver:   "postgres",
	}
	require.NotContains(t, desc.String(), "hunter2")
}

func TestConnectionJSONRoundTrip(t *testing.T) {
	desc := ConnectionDescriptor{
		Host:     "db.internal",
		Port:     5433,
		Database: "app",
		Username: "migrator",
		Password: "secret",
		TLS:      true,
		Driver:   "postgres",
	}
	raw, err := desc.ToJSON()
	require.NoError(t, err)

	got, err := ConnectionFromJSON(raw)
	require.NoError(t, err)
	require.Equal(t, &desc, got)

	_, err = ConnectionFromJSON("{not json")
	require.Error(t, err)
}
