// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geoctx optionally enriches an Alert's free-form context string
// with source/destination country and originating ASN, looked up from
// MaxMind City/ASN databases. A nil *Enricher (or one built from an
// unconfigured GeoIPConfig) is always safe to call: it returns the input
// context unchanged.
package geoctx

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"flowsentry.dev/core/internal/config"
	"flowsentry.dev/core/internal/logging"
)

// Enricher holds open MaxMind readers. Either may be nil if its database
// path was not configured; lookups against a nil reader are skipped.
type Enricher struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
	log  *logging.Logger
}

// New opens the configured MaxMind databases. A disabled or empty config
// returns a nil *Enricher, not an error — callers treat that as "no
// enrichment available" via the nil-safe Annotate method.
func New(cfg *config.GeoIPConfig) (*Enricher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	log := logging.WithComponent("geoctx")
	e := &Enricher{log: log}

	if cfg.CityDBPath != "" {
		r, err := geoip2.Open(cfg.CityDBPath)
		if err != nil {
			return nil, fmt.Errorf("geoctx: open city database: %w", err)
		}
		e.city = r
	}
	if cfg.ASNDBPath != "" {
		r, err := geoip2.Open(cfg.ASNDBPath)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("geoctx: open asn database: %w", err)
		}
		e.asn = r
	}
	return e, nil
}

// Close releases both database readers, if open.
func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	if e.city != nil {
		e.city.Close()
	}
	if e.asn != nil {
		e.asn.Close()
	}
	return nil
}

// Annotate appends "src=<country>/AS<n> dst=<country>/AS<n>" to context
// for whichever lookups succeed, skipping silently on a private/unroutable
// address or a miss in the database. Safe to call on a nil *Enricher.
func (e *Enricher) Annotate(context, srcIP, dstIP string) string {
	if e == nil {
		return context
	}
	src := e.lookup(srcIP)
	dst := e.lookup(dstIP)
	if src == "" && dst == "" {
		return context
	}
	parts := make([]string, 0, 2)
	if src != "" {
		parts = append(parts, "src="+src)
	}
	if dst != "" {
		parts = append(parts, "dst="+dst)
	}
	annotation := strings.Join(parts, " ")
	if context == "" {
		return annotation
	}
	return context + " " + annotation
}

func (e *Enricher) lookup(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return ""
	}

	var country string
	if e.city != nil {
		rec, err := e.city.Country(ip)
		if err == nil && rec.Country.IsoCode != "" {
			country = rec.Country.IsoCode
		}
	}

	var asn string
	if e.asn != nil {
		rec, err := e.asn.ASN(ip)
		if err == nil && rec.AutonomousSystemNumber != 0 {
			asn = fmt.Sprintf("AS%d", rec.AutonomousSystemNumber)
		}
	}

	switch {
	case country != "" && asn != "":
		return country + "/" + asn
	case country != "":
		return country
	case asn != "":
		return asn
	default:
		return ""
	}
}

// ASNOf reports the autonomous system number for ip, or 0 if unavailable.
// Used by the suppressor's cloud-traffic layer as a secondary,
// data-driven corroboration alongside its configured prefix list.
func (e *Enricher) ASNOf(ipStr string) uint {
	if e == nil || e.asn == nil {
		return 0
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0
	}
	rec, err := e.asn.ASN(ip)
	if err != nil {
		return 0
	}
	return rec.AutonomousSystemNumber
}
