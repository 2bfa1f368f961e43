package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ProbeTimeout    time.Duration
	QueryTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// LoadDatabaseConfigFromEnv loads database configuration from environment variables.
func LoadDatabaseConfigFromEnv() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            getEnvIntOrDefault("DB_PORT", 5432),
		User:            getEnvOrDefault("DB_USER", "postgres"),
		Password:        getEnvOrDefault("DB_PASSWORD", ""),
		DBName:          getEnvOrDefault("DB_NAME", "suma_calls"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getEnvIntOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		ConnMaxIdleTime: time.Duration(getEnvIntOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 5)) * time.Minute,
		ProbeTimeout:    time.Duration(getEnvIntOrDefault("DB_PROBE_TIMEOUT_MS", 2000)) * time.Millisecond,
		QueryTimeout:    time.Duration(getEnvIntOrDefault("DB_QUERY_TIMEOUT_MS", 10000)) * time.Millisecond,
		MaxRetries:      getEnvIntOrDefault("DB_MAX_RETRIES", 2),
		RetryBackoff:    time.Duration(getEnvIntOrDefault("DB_RETRY_BACKOFF_MS", 250)) * time.Millisecond,
	}
}

// DSN builds the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// ConnectionManager owns the pooled GORM handle and hands out health-checked
// connections. Serverless postgres drops idle connections without warning, so
// every pooled acquisition is probed first and transient failures retry the
// whole operation. It is constructed once at the composition root and closed
// at shutdown.
type ConnectionManager struct {
	db  *gorm.DB
	cfg *DatabaseConfig
}

// NewConnectionManager opens the pooled connection and verifies it.
func NewConnectionManager(cfg *DatabaseConfig) (*ConnectionManager, error) {
	db, err := openGorm(cfg, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &ConnectionManager{db: db, cfg: cfg}, nil
}

func openGorm(cfg *DatabaseConfig, maxOpen, maxIdle int) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.New(logger.NewGORMWriter(), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

// Acquire returns a live GORM handle and whether it came from the pool. The
// pooled handle is probed with a trivial round trip first; when the probe
// fails (or the pool itself is broken) a brand-new unpooled connection is
// opened for this one use instead of failing the caller.
func (m *ConnectionManager) Acquire(ctx context.Context) (*gorm.DB, bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	sqlDB, err := m.db.DB()
	if err == nil {
		if err = sqlDB.PingContext(probeCtx); err == nil {
			return m.db, true, nil
		}
	}
	logger.Base().Warn("pooled connection failed liveness probe, opening unpooled connection", zap.Error(err))

	fresh, err := openGorm(m.cfg, 1, 1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open fallback connection: %w", err)
	}
	return fresh, false, nil
}

// Release returns a handle obtained from Acquire. Unpooled fallback handles
// are closed outright so a possibly-broken connection is never reused.
func (m *ConnectionManager) Release(db *gorm.DB, pooled bool) {
	if pooled || db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Run acquires a connection, executes fn with it, and guarantees release on
// every exit path including panic. Transient network failures retry the whole
// fn with linearly increasing backoff; non-transient errors and exhausted
// retries propagate.
func (m *ConnectionManager) Run(ctx context.Context, fn func(db *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * m.cfg.RetryBackoff
			logger.Base().Warn("retrying database operation",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", m.cfg.MaxRetries+1, lastErr)
}

func (m *ConnectionManager) runOnce(ctx context.Context, fn func(db *gorm.DB) error) (err error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	db, pooled, err := m.Acquire(opCtx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			m.Release(db, pooled)
			panic(p)
		}
		m.Release(db, pooled)
	}()

	return fn(db.WithContext(opCtx))
}

// Ping checks the pooled connection.
func (m *ConnectionManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close drains the pooled connection at shutdown.
func (m *ConnectionManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the pooled handle for migrations at startup.
func (m *ConnectionManager) DB() *gorm.DB {
	return m.db
}

// transientMarkers match the error text of structural failures the remote
// peer produces when it drops a session mid-flight.
var transientMarkers = []string{
	"connection reset by peer",
	"broken pipe",
	"unexpected eof",
	"conn closed",
	"connection refused",
	"tls: use of closed connection",
	"server closed the session unexpectedly",
	"bad connection",
}

// IsTransient classifies an error as a retryable structural database failure
// as opposed to a genuine query or logic error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// getEnvOrDefault gets environment variable or returns default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault gets environment variable as int or returns default value.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
