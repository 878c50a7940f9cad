package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/perimeter/internal/config"
)

func testDatabaseConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Host:              "db.internal",
		Port:              5432,
		User:              "perimeter",
		Password:          "secret",
		Name:              "perimeter",
		SSLMode:           "disable",
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   5 * time.Minute,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		StatementTimeout:  1500 * time.Millisecond,
		ConnectTimeout:    3 * time.Second,
	}
}

func TestBuildPoolConfig(t *testing.T) {
	poolConfig, err := buildPoolConfig(testDatabaseConfig())
	require.NoError(t, err)

	assert.Equal(t, int32(10), poolConfig.MaxConns)
	assert.Equal(t, int32(2), poolConfig.MinConns)
	assert.Equal(t, 30*time.Second, poolConfig.HealthCheckPeriod)
	assert.Equal(t, 3*time.Second, poolConfig.ConnConfig.ConnectTimeout)
	assert.Equal(t, "db.internal", poolConfig.ConnConfig.Host)
	assert.Equal(t, "1500", poolConfig.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "perimeter", poolConfig.ConnConfig.RuntimeParams["application_name"])
}

func TestBuildPoolConfig_NoStatementTimeout(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.StatementTimeout = 0

	poolConfig, err := buildPoolConfig(cfg)
	require.NoError(t, err)

	_, set := poolConfig.ConnConfig.RuntimeParams["statement_timeout"]
	assert.False(t, set)
}
