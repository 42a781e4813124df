// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"time"
)

// SyslogConfig configures RFC 3164 forwarding of the structured log stream
// to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns forwarding disabled, UDP port 514, facility
// user (1), tagged "flywall".
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flywall",
		Facility: 1,
	}
}

// Writer forwards log lines to a remote syslog collector over UDP or TCP.
type Writer struct {
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter dials cfg.Host:cfg.Port, defaulting Port/Protocol/Tag/Facility
// the same way DefaultSyslogConfig does. Host is required.
func NewSyslogWriter(cfg SyslogConfig) (*Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flywall"
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.Dial(cfg.Protocol, addr)
	if err != nil {
		return nil, fmt.Errorf("syslog: dial %s: %w", addr, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &Writer{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}, nil
}

func (w *Writer) severity(level Level) int {
	switch level {
	case LevelDebug:
		return 7
	case LevelInfo:
		return 6
	case LevelWarn:
		return 4
	case LevelError:
		return 3
	default:
		return 6
	}
}

// Write sends one RFC 3164 formatted message. Errors are swallowed by the
// caller (Logger.log) since syslog forwarding is best-effort.
func (w *Writer) Write(level Level, msg string) error {
	priority := w.facility*8 + w.severity(level)
	ts := time.Now().Format(time.Stamp)
	line := fmt.Sprintf("<%d>%s %s %s: %s\n", priority, ts, w.hostname, w.tag, msg)
	_, err := w.conn.Write([]byte(line))
	return err
}

// Close releases the underlying connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
