// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model loads the frozen tree/neural artifacts, applies the
// standard scaler, and combines both models' output under the spec's
// bit-exact ensemble rule.
package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Severity is the three-level alert severity.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classes is the canonical, ordered 34-label class alphabet. The
// authoritative label→index mapping is always loaded from
// models.class_mapping_path at startup and MUST be trusted as-is — this
// slice exists only to size default allocations and to name the
// benign-fallback label.
var Classes = []string{
	"BenignTraffic",
	"DDoS-ACK_Fragmentation", "DDoS-HTTP_Flood", "DDoS-ICMP_Flood", "DDoS-ICMP_Fragmentation",
	"DDoS-PSHACK_Flood", "DDoS-RSTFINFlood", "DDoS-SYN_Flood", "DDoS-SlowLoris",
	"DDoS-SynonymousIP_Flood", "DDoS-TCP_Flood", "DDoS-UDP_Flood", "DDoS-UDP_Fragmentation",
	"DoS-HTTP_Flood", "DoS-SYN_Flood", "DoS-TCP_Flood", "DoS-UDP_Flood",
	"Recon-HostDiscovery", "Recon-OSScan", "Recon-PingSweep", "Recon-PortScan",
	"Mirai-greeth_flood", "Mirai-greip_flood", "Mirai-udpplain",
	"SqlInjection", "XSS", "CommandInjection",
	"MITM-ArpSpoofing", "DNS_Spoofing", "DictionaryBruteForce",
	"Backdoor_Malware", "BrowserHijacking", "VulnerabilityScan", "Uploading_Attack",
}

// BenignLabel is the forced fallback label when ensemble confidence is low.
const BenignLabel = "BenignTraffic"

func init() {
	if len(Classes) != 34 {
		panic(fmt.Sprintf("model: class alphabet must have 34 labels, has %d", len(Classes)))
	}
}

var mediumSeverity = map[string]bool{
	"VulnerabilityScan": true,
}

// SeverityOf maps a predicted label to its severity per the spec's table:
// low for BenignTraffic; medium for all DDoS-*/DoS-*/Recon-* and
// VulnerabilityScan; high for everything else.
func SeverityOf(label string) Severity {
	switch {
	case label == BenignLabel:
		return SeverityLow
	case hasAnyPrefix(label, "DDoS-", "DoS-", "Recon-") || mediumSeverity[label]:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// ClassMapping is the label→index mapping loaded from
// models.class_mapping_path, trusted as-is per spec §6/§9.
type ClassMapping struct {
	LabelToIndex map[string]int `json:"label_to_index"`
	IndexToLabel []string       `json:"index_to_label"`
}

// LoadClassMapping reads and trusts path verbatim.
func LoadClassMapping(path string) (*ClassMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class mapping: %w", err)
	}
	var cm ClassMapping
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, fmt.Errorf("parse class mapping: %w", err)
	}
	return &cm, nil
}

// FeatureInfo is the optional sibling file naming the canonical feature
// list the artifacts were trained against; a mismatched Count is fatal
// per spec §9's Open Question resolution.
type FeatureInfo struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// LoadFeatureInfo reads path if it exists; a missing file is not an error
// (the 37-list in this package is canonical regardless).
func LoadFeatureInfo(path string) (*FeatureInfo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feature info: %w", err)
	}
	var fi FeatureInfo
	if err := json.Unmarshal(data, &fi); err != nil {
		return nil, fmt.Errorf("parse feature info: %w", err)
	}
	return &fi, nil
}
