// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclsimple"

	"flowsentry.dev/core/internal/errors"
)

// Load parses and validates the HCL document at path. A parse or
// validation failure is returned as an *errors.Error with Kind
// KindValidation, which the composition root maps to exit code 64.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse configuration")
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	applyZeroDefaults(cfg)

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}
	return cfg, nil
}

// applyZeroDefaults fills fields the HCL document left at their zero value
// with the documented default, for fields whose zero value is not itself
// a legitimate configured value (timeouts, counts, thresholds).
func applyZeroDefaults(cfg *Config) {
	d := Default()

	if cfg.Network.Promiscuous == nil {
		cfg.Network.Promiscuous = d.Network.Promiscuous
	}
	if cfg.Network.SnapLen == 0 {
		cfg.Network.SnapLen = d.Network.SnapLen
	}
	if cfg.Detection.Mode == "" {
		cfg.Detection.Mode = d.Detection.Mode
	}
	if cfg.Detection.FlowIdleTimeout == 0 {
		cfg.Detection.FlowIdleTimeout = d.Detection.FlowIdleTimeout
	}
	if cfg.Detection.MaxFlows == 0 {
		cfg.Detection.MaxFlows = d.Detection.MaxFlows
	}
	if cfg.Detection.ScoreTriggerPackets == 0 {
		cfg.Detection.ScoreTriggerPackets = d.Detection.ScoreTriggerPackets
	}
	if cfg.Detection.ConfidenceThreshold == 0 {
		cfg.Detection.ConfidenceThreshold = d.Detection.ConfidenceThreshold
	}
	if cfg.Detection.MinPacketThreshold == 0 {
		cfg.Detection.MinPacketThreshold = d.Detection.MinPacketThreshold
	}
	if len(cfg.Detection.WhitelistPorts) == 0 {
		cfg.Detection.WhitelistPorts = d.Detection.WhitelistPorts
	}
	if cfg.Detection.LegitimatePortPacketThreshold == 0 {
		cfg.Detection.LegitimatePortPacketThreshold = d.Detection.LegitimatePortPacketThreshold
	}
	if cfg.Detection.AdaptiveBaseline.LearningPeriod == 0 {
		cfg.Detection.AdaptiveBaseline.LearningPeriod = d.Detection.AdaptiveBaseline.LearningPeriod
	}
	if cfg.Detection.AdaptiveBaseline.BaselineMinOccurrences == 0 {
		cfg.Detection.AdaptiveBaseline.BaselineMinOccurrences = d.Detection.AdaptiveBaseline.BaselineMinOccurrences
	}
	if cfg.Models.OptimalThreshold == 0 {
		cfg.Models.OptimalThreshold = d.Models.OptimalThreshold
	}
	if cfg.Models.MLWeight == 0 {
		cfg.Models.MLWeight = d.Models.MLWeight
	}
	if cfg.Models.DLWeight == 0 {
		cfg.Models.DLWeight = d.Models.DLWeight
	}
	if cfg.Models.InferenceTimeout == 0 {
		cfg.Models.InferenceTimeout = d.Models.InferenceTimeout
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = d.Database.Type
	}
	if cfg.Database.Directory == "" {
		cfg.Database.Directory = d.Database.Directory
	}
	if cfg.Alerts.LogPath == "" {
		cfg.Alerts.LogPath = d.Alerts.LogPath
	}
	if cfg.Alerts.DedupeWindowSeconds == 0 {
		cfg.Alerts.DedupeWindowSeconds = d.Alerts.DedupeWindowSeconds
	}
	if cfg.Alerts.SubscriberBufferSize == 0 {
		cfg.Alerts.SubscriberBufferSize = d.Alerts.SubscriberBufferSize
	}
	if cfg.LogDir == "" {
		cfg.LogDir = d.LogDir
	}
	if cfg.StateDir == "" {
		cfg.StateDir = d.StateDir
	}
	if cfg.Query == nil {
		cfg.Query = &QueryConfig{Listen: ":8080"}
	} else if cfg.Query.Listen == "" {
		cfg.Query.Listen = ":8080"
	}
}
