// Package config provides environment-based configuration for the
// panelstore provisioning engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

func GetName() string {
	return "panelstore"
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("PS_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("PS_DEBUG") == "true"
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("PS_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/panelstore"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("PS_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

func GetOpsAddr() string {
	addr := os.Getenv("PS_OPS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8380"
	}
	return addr
}

// GetHTTPTimeout bounds every remote panel call.
func GetHTTPTimeout() time.Duration {
	return time.Duration(getEnvInt("PS_HTTP_TIMEOUT_SECONDS", 30)) * time.Second
}

// GetLoginMaxAttempts is the failed-login threshold after which a server
// session is considered locked and remote calls are short-circuited.
func GetLoginMaxAttempts() int {
	return getEnvInt("PS_LOGIN_MAX_ATTEMPTS", 5)
}

// GetLockoutCooldown is the time-based decay for the login lockout.
// Zero disables decay, leaving manual unlock as the only way out.
func GetLockoutCooldown() time.Duration {
	return time.Duration(getEnvInt("PS_LOCKOUT_MINUTES", 30)) * time.Minute
}

func GetSessionTTL() time.Duration {
	return time.Duration(getEnvInt("PS_SESSION_TTL_MINUTES", 55)) * time.Minute
}

func GetDedicatedPortMin() int {
	return getEnvInt("PS_DEDICATED_PORT_MIN", 30000)
}

func GetDedicatedPortMax() int {
	return getEnvInt("PS_DEDICATED_PORT_MAX", 39999)
}

// GetCleanupGracePeriod is how long an empty dedicated inbound must be
// unreferenced before the cleanup sweep may delete it.
func GetCleanupGracePeriod() time.Duration {
	return time.Duration(getEnvInt("PS_CLEANUP_GRACE_MINUTES", 120)) * time.Minute
}

// GetSyncBatchLimit bounds how many clients one reconciliation run touches.
func GetSyncBatchLimit() int {
	return getEnvInt("PS_SYNC_BATCH_LIMIT", 200)
}

// GetRetrySweepLimit bounds how many dead-letter jobs one sweep re-queues.
func GetRetrySweepLimit() int {
	return getEnvInt("PS_RETRY_SWEEP_LIMIT", 50)
}

func GetSyncCron() string {
	return getEnv("PS_SYNC_CRON", "@every 2m")
}

func GetRetryCron() string {
	return getEnv("PS_RETRY_CRON", "@every 5m")
}

func GetCleanupCron() string {
	return getEnv("PS_CLEANUP_CRON", "@every 30m")
}

func GetHealthCron() string {
	return getEnv("PS_HEALTH_CRON", "@every 1m")
}

// KeepDedicatedOnFailure keeps a freshly created dedicated inbound around
// after a failed provision instead of marking it for cleanup.
func KeepDedicatedOnFailure() bool {
	return os.Getenv("PS_KEEP_DEDICATED") == "true"
}

func GetTimeZone() string {
	tz := os.Getenv("PS_TIME_ZONE")
	if tz == "" {
		tz = "UTC"
	}
	return tz
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
