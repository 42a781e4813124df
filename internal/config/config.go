// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration handling for the detection core.
package config

import "time"

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure decoded from an HCL document. It wires
// every owner component in the detection pipeline.
type Config struct {
	// Schema version for backward compatibility.
	// @enum: 1.0
	// @default: "1.0"
	// @example: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Network   NetworkConfig        `hcl:"network,block" json:"network"`
	Detection DetectionConfig      `hcl:"detection,block" json:"detection"`
	Models    ModelsConfig         `hcl:"models,block" json:"models"`
	Database  DatabaseConfig       `hcl:"database,block" json:"database"`
	Alerts    AlertsConfig         `hcl:"alerts,block" json:"alerts"`
	GeoIP     *GeoIPConfig         `hcl:"geoip,block" json:"geoip,omitempty"`
	Syslog    *SyslogForwardConfig `hcl:"syslog,block" json:"syslog,omitempty"`
	Query     *QueryConfig         `hcl:"query,block" json:"query,omitempty"`

	// Log Directory (overrides default /var/log/flowsentry)
	LogDir string `hcl:"log_dir,optional" json:"log_dir,omitempty"`
	// State Directory for sqlite stores and snapshot files.
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
}

// NetworkConfig names the capture interface.
type NetworkConfig struct {
	// Interface to capture from, e.g. "eth0".
	// @example: "eth0"
	Interface string `hcl:"interface" json:"interface"`
	// Promiscuous puts the interface into promiscuous mode.
	// @default: true
	Promiscuous *bool `hcl:"promiscuous,optional" json:"promiscuous,omitempty"`
	// SnapLen bounds how many bytes of each packet are captured.
	// @default: 65535
	SnapLen int `hcl:"snap_len,optional" json:"snap_len,omitempty"`
}

// DetectionMode selects how aggressively the Suppressor filters predictions.
type DetectionMode string

const (
	ModeThreshold DetectionMode = "threshold"
	ModePureML    DetectionMode = "pure_ml"
)

// DetectionConfig carries the Flow Aggregator and Suppressor tuning knobs.
type DetectionConfig struct {
	// Mode selects the Suppressor's aggressiveness. pure_ml applies only layer 1.
	// @enum: threshold, pure_ml
	// @default: "threshold"
	Mode DetectionMode `hcl:"mode,optional" json:"mode,omitempty"`

	// FlowIdleTimeout evicts a flow after this much inactivity (T_idle).
	// @default: "60s"
	FlowIdleTimeout time.Duration `hcl:"flow_idle_timeout,optional" json:"flow_idle_timeout,omitempty"`
	// MaxFlows bounds the live flow table (F_max); oldest idle flows are evicted first.
	// @default: 50000
	MaxFlows int `hcl:"max_flows,optional" json:"max_flows,omitempty"`
	// ScoreTriggerPackets is the packet count S at which a flow is (re-)scored.
	// @default: 10
	ScoreTriggerPackets int `hcl:"score_trigger_packets,optional" json:"score_trigger_packets,omitempty"`

	// ConfidenceThreshold is suppression layer 2's minimum passing confidence.
	// @default: 0.95
	ConfidenceThreshold float64 `hcl:"confidence_threshold,optional" json:"confidence_threshold,omitempty"`
	// MinPacketThreshold is suppression layer 3's minimum flow packet count.
	// @default: 200
	MinPacketThreshold int `hcl:"min_packet_threshold,optional" json:"min_packet_threshold,omitempty"`
	// FilterLocalhost is decoded but not passed to the Suppressor; layer 5
	// always treats loopback endpoints as private.
	// @default: true
	FilterLocalhost bool `hcl:"filter_localhost,optional" json:"filter_localhost,omitempty"`
	// FilterPrivateNetworks turns on suppression layer 5.
	// @default: true
	FilterPrivateNetworks bool `hcl:"filter_private_networks,optional" json:"filter_private_networks,omitempty"`
	// WhitelistPorts are destination ports exempt at low volume (layer 6).
	// @default: [80, 443, 53, 22, 3389]
	WhitelistPorts []int `hcl:"whitelist_ports,optional" json:"whitelist_ports,omitempty"`
	// WhitelistIPs are CIDR blocks exempt from suppression layer 4.5.
	WhitelistIPs []string `hcl:"whitelist_ips,optional" json:"whitelist_ips,omitempty"`
	// CloudPrefixes are dotted-decimal string prefixes matched for layer 4.
	CloudPrefixes []string `hcl:"cloud_prefixes,optional" json:"cloud_prefixes,omitempty"`
	// CloudASNs are known cloud-provider ASNs corroborated via the geoip
	// ASN database, when configured, alongside CloudPrefixes on layer 4.
	CloudASNs []int `hcl:"cloud_asns,optional" json:"cloud_asns,omitempty"`
	// IgnoredAttackTypes are labels suppression layer 1 treats as benign.
	IgnoredAttackTypes []string `hcl:"ignored_attack_types,optional" json:"ignored_attack_types,omitempty"`
	// LegitimatePortPacketThreshold is layer 6's low-volume packet ceiling.
	// @default: 500
	LegitimatePortPacketThreshold int `hcl:"legitimate_port_packet_threshold,optional" json:"legitimate_port_packet_threshold,omitempty"`

	AdaptiveBaseline AdaptiveBaselineConfig `hcl:"adaptive_baseline,block" json:"adaptive_baseline"`
}

// AdaptiveBaselineConfig tunes the network-wide learning window.
type AdaptiveBaselineConfig struct {
	// Enabled turns on suppression layer 7.
	// @default: true
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// LearningPeriod is how long new fingerprints are only recorded, not enforced.
	// @default: "3600s"
	LearningPeriod time.Duration `hcl:"learning_period,optional" json:"learning_period,omitempty"`
	// BaselineMinOccurrences is the minimum learning-window count for a fingerprint
	// to be treated as normal once learning closes.
	// @default: 3
	BaselineMinOccurrences int `hcl:"baseline_min_occurrences,optional" json:"baseline_min_occurrences,omitempty"`
}

// ModelsConfig points at the frozen model artifacts and tunes the worker pool.
type ModelsConfig struct {
	// MLPath is the JSON-encoded decision-tree artifact.
	MLPath string `hcl:"ml_path" json:"ml_path"`
	// DLPath is the JSON-encoded neural network artifact.
	DLPath string `hcl:"dl_path" json:"dl_path"`
	// ScalerPath is the JSON-encoded StandardScaler artifact.
	ScalerPath string `hcl:"scaler_path" json:"scaler_path"`
	// ClassMappingPath is the label→index JSON mapping; its sibling
	// feature_info.json, if present, is the canonical 37-feature list.
	ClassMappingPath string `hcl:"class_mapping_path" json:"class_mapping_path"`
	// OptimalThreshold is the ensemble's internal benign-fallback threshold.
	// @default: 0.55
	OptimalThreshold float64 `hcl:"optimal_threshold,optional" json:"optimal_threshold,omitempty"`
	// MLWeight weights the tree model in the ensemble combination.
	// @default: 0.6
	MLWeight float64 `hcl:"ml_weight,optional" json:"ml_weight,omitempty"`
	// DLWeight weights the neural model in the ensemble combination.
	// @default: 0.4
	DLWeight float64 `hcl:"dl_weight,optional" json:"dl_weight,omitempty"`
	// Workers is validated as non-negative but not passed to the inference
	// worker pool, which is always sized min(NumCPU, 4).
	// @default: 0
	Workers int `hcl:"workers,optional" json:"workers,omitempty"`
	// InferenceTimeout abandons a scoring call exceeding this duration.
	// @default: "2s"
	InferenceTimeout time.Duration `hcl:"inference_timeout,optional" json:"inference_timeout,omitempty"`
}

// DatabaseKind selects the Flow Store's persistence backend.
type DatabaseKind string

const (
	DatabaseSQLite     DatabaseKind = "sqlite"
	DatabasePostgreSQL DatabaseKind = "postgresql"
)

// DatabaseConfig points at the flow store and tunes retention/filtering.
type DatabaseConfig struct {
	// Enabled turns on flow persistence.
	// @default: true
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// Type selects the backend. Only sqlite is implemented by this core;
	// postgresql is accepted for forward-compatible configuration but refused
	// at Load time by Validate.
	// @enum: sqlite, postgresql
	// @default: "sqlite"
	Type DatabaseKind `hcl:"type,optional" json:"type,omitempty"`
	// Directory holds the sqlite database file when Type is sqlite.
	// @default: "."
	Directory string `hcl:"directory,optional" json:"directory,omitempty"`
	// URL is the connection string when Type is postgresql.
	URL string `hcl:"url,optional" json:"url,omitempty"`
	// RetentionDays is how long persisted flow records are kept; 0 disables sweeping.
	// @default: 30
	RetentionDays int `hcl:"retention_days,optional" json:"retention_days,omitempty"`
	// SaveBenignFlows persists flows predicted BenignTraffic.
	// @default: true
	SaveBenignFlows bool `hcl:"save_benign_flows,optional" json:"save_benign_flows,omitempty"`
	// SaveAttackFlows persists flows predicted as any non-benign label.
	// @default: true
	SaveAttackFlows bool `hcl:"save_attack_flows,optional" json:"save_attack_flows,omitempty"`
	// MinConfidenceToSave filters out low-confidence persisted rows.
	// @default: 0.0
	MinConfidenceToSave float64 `hcl:"min_confidence_to_save,optional" json:"min_confidence_to_save,omitempty"`
}

// AlertsConfig tunes the Alert Manager.
type AlertsConfig struct {
	// LogPath is the JSON-per-line append log file.
	// @default: "alerts.jsonl"
	LogPath string `hcl:"log_path,optional" json:"log_path,omitempty"`
	// DedupeWindowSeconds suppresses repeat alerts for the same (flow key, threat
	// label) within this window.
	// @default: 10
	DedupeWindowSeconds int `hcl:"dedupe_window_seconds,optional" json:"dedupe_window_seconds,omitempty"`
	// SubscriberBufferSize bounds the per-subscriber broadcast channel.
	// @default: 1024
	SubscriberBufferSize int `hcl:"subscriber_buffer_size,optional" json:"subscriber_buffer_size,omitempty"`
	// Webhook, if set, is POSTed a JSON copy of every newly created alert.
	Webhook *WebhookConfig `hcl:"webhook,block" json:"webhook,omitempty"`
}

// WebhookConfig configures the one concrete NotificationSink.
type WebhookConfig struct {
	URL string `hcl:"url" json:"url"`
	// @default: "5s"
	Timeout time.Duration `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// GeoIPConfig points at MaxMind City/ASN databases used to enrich alert context.
type GeoIPConfig struct {
	// Enabled turns on context enrichment.
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// CityDBPath is a GeoLite2-City (or commercial equivalent) mmdb file.
	CityDBPath string `hcl:"city_db_path,optional" json:"city_db_path,omitempty"`
	// ASNDBPath is a GeoLite2-ASN mmdb file.
	ASNDBPath string `hcl:"asn_db_path,optional" json:"asn_db_path,omitempty"`
}

// QueryConfig binds the read-only Query/Subscribe HTTP surface.
type QueryConfig struct {
	// Listen is the address the Query surface's http.Server binds.
	// @default: ":8080"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// SyslogForwardConfig mirrors the structured log stream to a remote collector.
type SyslogForwardConfig struct {
	// @default: false
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host    string `hcl:"host,optional" json:"host,omitempty"`
	// @default: 514
	Port int `hcl:"port,optional" json:"port,omitempty"`
	// @enum: udp, tcp
	// @default: "udp"
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	// @default: "flywall"
	Tag string `hcl:"tag,optional" json:"tag,omitempty"`
	// @default: 1
	Facility int `hcl:"facility,optional" json:"facility,omitempty"`
}

// Default returns a Config with every optional field at its documented default.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Network: NetworkConfig{
			Promiscuous: boolPtr(true),
			SnapLen:     65535,
		},
		Detection: DetectionConfig{
			Mode:                          ModeThreshold,
			FlowIdleTimeout:               60 * time.Second,
			MaxFlows:                      50000,
			ScoreTriggerPackets:           10,
			ConfidenceThreshold:           0.95,
			MinPacketThreshold:            200,
			FilterLocalhost:               true,
			FilterPrivateNetworks:         true,
			WhitelistPorts:                []int{80, 443, 53, 22, 3389},
			LegitimatePortPacketThreshold: 500,
			AdaptiveBaseline: AdaptiveBaselineConfig{
				Enabled:                true,
				LearningPeriod:         3600 * time.Second,
				BaselineMinOccurrences: 3,
			},
		},
		Models: ModelsConfig{
			OptimalThreshold: 0.55,
			MLWeight:         0.6,
			DLWeight:         0.4,
			InferenceTimeout: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:         true,
			Type:            DatabaseSQLite,
			Directory:       ".",
			RetentionDays:   30,
			SaveBenignFlows: true,
			SaveAttackFlows: true,
		},
		Alerts: AlertsConfig{
			LogPath:              "alerts.jsonl",
			DedupeWindowSeconds:  10,
			SubscriberBufferSize: 1024,
		},
		LogDir:   "/var/log/flowsentry",
		StateDir: "/var/lib/flowsentry",
	}
}

func boolPtr(b bool) *bool { return &b }
