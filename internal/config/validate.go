// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if any entry has "error" severity.
func (e ValidationErrors) HasErrors() bool {
	for _, err := range e {
		if err.Severity == "" || err.Severity == "error" {
			return true
		}
	}
	return false
}

// Validate checks every constraint this specification assigns to the
// configuration surface: required fields, CIDR parsing, and enum membership.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateNetwork()...)
	errs = append(errs, c.validateDetection()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validateAlerts()...)
	errs = append(errs, c.validateGeoIP()...)
	errs = append(errs, c.validateSyslog()...)

	return errs
}

func (c *Config) validateNetwork() ValidationErrors {
	var errs ValidationErrors
	if c.Network.Interface == "" {
		errs = append(errs, ValidationError{Field: "network.interface", Message: "interface is required"})
	}
	if c.Network.SnapLen <= 0 {
		errs = append(errs, ValidationError{Field: "network.snap_len", Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateDetection() ValidationErrors {
	var errs ValidationErrors
	d := &c.Detection

	switch d.Mode {
	case "", ModeThreshold, ModePureML:
	default:
		errs = append(errs, ValidationError{
			Field:   "detection.mode",
			Message: fmt.Sprintf("must be %q or %q, got %q", ModeThreshold, ModePureML, d.Mode),
		})
	}
	if d.FlowIdleTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "detection.flow_idle_timeout", Message: "must be positive"})
	}
	if d.MaxFlows <= 0 {
		errs = append(errs, ValidationError{Field: "detection.max_flows", Message: "must be positive"})
	}
	if d.ScoreTriggerPackets <= 0 {
		errs = append(errs, ValidationError{Field: "detection.score_trigger_packets", Message: "must be positive"})
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, ValidationError{Field: "detection.confidence_threshold", Message: "must be in [0,1]"})
	}
	if d.MinPacketThreshold < 0 {
		errs = append(errs, ValidationError{Field: "detection.min_packet_threshold", Message: "must not be negative"})
	}
	if d.AdaptiveBaseline.Enabled && d.AdaptiveBaseline.BaselineMinOccurrences <= 0 {
		errs = append(errs, ValidationError{Field: "detection.adaptive_baseline.baseline_min_occurrences", Message: "must be positive"})
	}
	if d.AdaptiveBaseline.Enabled && d.AdaptiveBaseline.LearningPeriod <= 0 {
		errs = append(errs, ValidationError{Field: "detection.adaptive_baseline.learning_period", Message: "must be positive"})
	}
	for _, cidr := range d.WhitelistIPs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "detection.whitelist_ips",
				Message: fmt.Sprintf("invalid CIDR %q: %v", cidr, err),
			})
		}
	}
	return errs
}

func (c *Config) validateModels() ValidationErrors {
	var errs ValidationErrors
	m := &c.Models
	if m.MLPath == "" {
		errs = append(errs, ValidationError{Field: "models.ml_path", Message: "required"})
	}
	if m.DLPath == "" {
		errs = append(errs, ValidationError{Field: "models.dl_path", Message: "required"})
	}
	if m.ScalerPath == "" {
		errs = append(errs, ValidationError{Field: "models.scaler_path", Message: "required"})
	}
	if m.ClassMappingPath == "" {
		errs = append(errs, ValidationError{Field: "models.class_mapping_path", Message: "required"})
	}
	if m.OptimalThreshold < 0 || m.OptimalThreshold > 1 {
		errs = append(errs, ValidationError{Field: "models.optimal_threshold", Message: "must be in [0,1]"})
	}
	if m.Workers < 0 {
		errs = append(errs, ValidationError{Field: "models.workers", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateDatabase() ValidationErrors {
	var errs ValidationErrors
	db := &c.Database
	if !db.Enabled {
		return errs
	}
	switch db.Type {
	case "", DatabaseSQLite:
		if db.Directory == "" {
			errs = append(errs, ValidationError{Field: "database.directory", Message: "required when type is sqlite"})
		}
	case DatabasePostgreSQL:
		errs = append(errs, ValidationError{
			Field:   "database.type",
			Message: "postgresql is accepted for forward compatibility but not implemented by this core",
		})
	default:
		errs = append(errs, ValidationError{Field: "database.type", Message: fmt.Sprintf("unknown backend %q", db.Type)})
	}
	if db.RetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "database.retention_days", Message: "must not be negative"})
	}
	if db.MinConfidenceToSave < 0 || db.MinConfidenceToSave > 1 {
		errs = append(errs, ValidationError{Field: "database.min_confidence_to_save", Message: "must be in [0,1]"})
	}
	return errs
}

func (c *Config) validateAlerts() ValidationErrors {
	var errs ValidationErrors
	a := &c.Alerts
	if a.LogPath == "" {
		errs = append(errs, ValidationError{Field: "alerts.log_path", Message: "required"})
	}
	if a.DedupeWindowSeconds < 0 {
		errs = append(errs, ValidationError{Field: "alerts.dedupe_window_seconds", Message: "must not be negative"})
	}
	if a.SubscriberBufferSize <= 0 {
		errs = append(errs, ValidationError{Field: "alerts.subscriber_buffer_size", Message: "must be positive"})
	}
	if a.Webhook != nil && a.Webhook.URL == "" {
		errs = append(errs, ValidationError{Field: "alerts.webhook.url", Message: "required when webhook block is present"})
	}
	return errs
}

func (c *Config) validateGeoIP() ValidationErrors {
	var errs ValidationErrors
	if c.GeoIP == nil || !c.GeoIP.Enabled {
		return errs
	}
	if c.GeoIP.CityDBPath == "" && c.GeoIP.ASNDBPath == "" {
		errs = append(errs, ValidationError{
			Field:   "geoip",
			Message: "at least one of city_db_path or asn_db_path is required when enabled",
		})
	}
	return errs
}

func (c *Config) validateSyslog() ValidationErrors {
	var errs ValidationErrors
	if c.Syslog == nil || !c.Syslog.Enabled {
		return errs
	}
	if c.Syslog.Host == "" {
		errs = append(errs, ValidationError{Field: "syslog.host", Message: "required when enabled"})
	}
	switch c.Syslog.Protocol {
	case "", "udp", "tcp":
	default:
		errs = append(errs, ValidationError{
			Field:   "syslog.protocol",
			Message: fmt.Sprintf("must be udp or tcp, got %q", c.Syslog.Protocol),
		})
	}
	return errs
}
