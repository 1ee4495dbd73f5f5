package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
)

// ClassifyConnectionError explains a failed Redis sink connection with a
// remediation hint.
func ClassifyConnectionError(err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Remediation:\n"+
			"  - Check if Redis is running: redis-cli -h <host> -p <port> ping\n"+
			"  - Verify network connectivity: nc -zv %s", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			(opErr.Err != nil && containsAny(opErr.Err.Error(), "connection refused", "actively refused")) {
			return fmt.Sprintf("Connection refused by Redis at %s.\n"+
				"  This usually means Redis is not running.\n"+
				"  Remediation:\n"+
				"  - Start Redis or disable the sink with output.redis.enabled=false\n"+
				"  - Verify output.redis.addr (PATTERNDB_REDIS_ADDR)", addr)
		}
	}

	if containsAny(errStr, "no such host", "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Try using an IP address instead of a hostname", addr)
	}

	if containsAny(errStr, "NOAUTH", "WRONGPASS", "invalid password") {
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation:\n"+
			"  - Set output.redis.password or PATTERNDB_REDIS_PASSWORD\n"+
			"  - With secrets.provider vault or aws, store it as %q", addr, "redis_password")
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Redis is running and accessible\n"+
		"  - Check the output.redis settings", addr, err)
}

// ClassifySQLiteError explains a failure to open the SQLite archive with a
// remediation hint.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsAny(errStr, "permission denied", "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite archive at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s", absPath, absPath, parentDir)
	case containsAny(errStr, "database is locked", "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite archive at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for another running patterndb: ps aux | grep patterndb\n"+
			"  - Point output.sqlite.path at a separate file per instance", absPath)
	case containsAny(errStr, "disk full", "no space", "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to SQLite archive at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)
	case containsAny(errStr, "corrupt", "malformed"):
		return fmt.Sprintf("SQLite archive at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Move the file aside to start a new archive", absPath, absPath)
	case containsAny(errStr, "read-only"):
		return fmt.Sprintf("SQLite archive location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the archive to a writable location via PATTERNDB_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to open SQLite archive at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable", absPath, err, parentDir)
}

// containsAny reports whether s contains any of subs, ignoring case.
func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
