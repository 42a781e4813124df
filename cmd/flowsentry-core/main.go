// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowsentry-core is the composition root for the detection core:
// it wires Capture, the Flow Aggregator, the Model Ensemble, the
// Suppressor, and the Alert Manager / Flow Store / Statistics Tracker
// triad behind the read-only Query/Subscribe surface, then runs until
// signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"flowsentry.dev/core/internal/alert"
	"flowsentry.dev/core/internal/baseline"
	"flowsentry.dev/core/internal/capture"
	"flowsentry.dev/core/internal/config"
	coreerrors "flowsentry.dev/core/internal/errors"
	"flowsentry.dev/core/internal/features"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/flowstore"
	"flowsentry.dev/core/internal/geoctx"
	"flowsentry.dev/core/internal/logging"
	"flowsentry.dev/core/internal/model"
	"flowsentry.dev/core/internal/query"
	"flowsentry.dev/core/internal/statistics"
	"flowsentry.dev/core/internal/suppress"
)

// Exit codes, per spec §6: 0 normal shutdown, 64 configuration invalid,
// 65 model artifact missing/malformed, 77 insufficient capture privilege,
// 74 storage unwritable.
const (
	exitOK                = 0
	exitConfigInvalid     = 64
	exitModelArtifactBad  = 65
	exitCapturePermission = 77
	exitStorageUnwritable = 74
	exitShutdownDeadline  = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/flowsentry/flowsentry.hcl", "path to the HCL configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowsentry-core: %v\n", err)
		return exitConfigInvalid
	}

	log, closeLog := setupLogging(cfg)
	defer closeLog()
	logging.SetDefault(log)

	ensemble, err := loadEnsemble(cfg.Models)
	if err != nil {
		log.Error("failed to load model artifacts", "error", err)
		return exitModelArtifactBad
	}
	pool := model.NewPool(ensemble, cfg.Models.InferenceTimeout)

	geo, err := geoctx.New(cfg.GeoIP)
	if err != nil {
		log.Error("failed to open geoip databases, continuing without enrichment", "error", err)
		geo = nil
	}
	defer geo.Close()

	whitelistIPs, err := suppress.ParseWhitelistIPs(cfg.Detection.WhitelistIPs)
	if err != nil {
		log.Error("invalid whitelist_ips in configuration", "error", err)
		return exitConfigInvalid
	}

	baselinePath := ""
	if cfg.Detection.AdaptiveBaseline.Enabled {
		baselinePath = filepath.Join(cfg.StateDir, "baseline.json")
	}
	bl, err := baseline.New(baseline.Config{
		Enabled:                cfg.Detection.AdaptiveBaseline.Enabled,
		LearningPeriod:         cfg.Detection.AdaptiveBaseline.LearningPeriod,
		BaselineMinOccurrences: cfg.Detection.AdaptiveBaseline.BaselineMinOccurrences,
		PersistPath:            baselinePath,
	})
	if err != nil {
		log.Error("failed to load adaptive baseline state", "error", err)
		return exitStorageUnwritable
	}

	cascade := suppress.New(suppress.Config{
		Mode:                          string(cfg.Detection.Mode),
		IgnoredAttackTypes:            cfg.Detection.IgnoredAttackTypes,
		ConfidenceThreshold:           cfg.Detection.ConfidenceThreshold,
		MinPacketThreshold:            cfg.Detection.MinPacketThreshold,
		CloudPrefixes:                 cfg.Detection.CloudPrefixes,
		CloudASNs:                     intsToUints(cfg.Detection.CloudASNs),
		WhitelistIPs:                  whitelistIPs,
		FilterPrivateNetworks:         cfg.Detection.FilterPrivateNetworks,
		WhitelistPorts:                suppress.ParseWhitelistPorts(cfg.Detection.WhitelistPorts),
		LegitimatePortPacketThreshold: cfg.Detection.LegitimatePortPacketThreshold,
	}, bl)
	if geo != nil {
		cascade.WithASNLookup(geo)
	}

	alerts, err := alert.New(alert.Config{
		DedupeWindow:         time.Duration(cfg.Alerts.DedupeWindowSeconds) * time.Second,
		SubscriberBufferSize: cfg.Alerts.SubscriberBufferSize,
		LogPath:              filepath.Join(cfg.StateDir, cfg.Alerts.LogPath),
	})
	if err != nil {
		log.Error("failed to open alert durable log", "error", err)
		return exitStorageUnwritable
	}
	defer alerts.Close()
	if cfg.Alerts.Webhook != nil && cfg.Alerts.Webhook.URL != "" {
		alerts.AddNotificationSink(alert.NewWebhookSink(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Timeout))
	}
	alerts.AddResponseSink(alert.NoopResponseSink{})

	var store *flowstore.Store
	if cfg.Database.Enabled {
		store, err = flowstore.Open(cfg.Database.Directory, flowstore.FilterConfig{
			SaveBenignFlows:     cfg.Database.SaveBenignFlows,
			SaveAttackFlows:     cfg.Database.SaveAttackFlows,
			MinConfidenceToSave: cfg.Database.MinConfidenceToSave,
		}, cfg.Database.RetentionDays)
		if err != nil {
			log.Error("failed to open flow store", "error", err)
			return exitStorageUnwritable
		}
		defer store.Close()
		store.SetOperationalAlert(func(message string) {
			alerts.Ingest(flow.Key{}, "OperationalAlert", model.SeverityHigh, 1.0, message, 0)
		})
	}

	stats, err := statistics.New(filepath.Join(cfg.StateDir, "statistics.json"))
	if err != nil {
		log.Error("failed to load statistics snapshot", "error", err)
		return exitStorageUnwritable
	}
	defer stats.Save()

	cp, err := capture.Open(capture.Config{
		Interface:   cfg.Network.Interface,
		SnapLen:     int32(cfg.Network.SnapLen),
		Promiscuous: *cfg.Network.Promiscuous,
	})
	if err != nil {
		log.Error("failed to open capture interface", "error", err, "interface", cfg.Network.Interface)
		if coreerrors.GetKind(err) == coreerrors.KindPermission {
			return exitCapturePermission
		}
		return exitConfigInvalid // interface not found or misconfigured
	}

	aggregator := flow.New(flow.Config{
		IdleTimeout:  cfg.Detection.FlowIdleTimeout,
		MaxFlows:     cfg.Detection.MaxFlows,
		ScoreTrigger: uint64(cfg.Detection.ScoreTriggerPackets),
	}, logging.WithComponent("flow"))

	surface := query.New(alerts, aggregator, stats)
	httpServer := &http.Server{Addr: cfg.Query.Listen, Handler: surface.Router()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); cp.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); aggregator.Run(ctx) }()
	if store != nil {
		wg.Add(1)
		go func() { defer wg.Done(); store.Run(ctx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); stats.Run(ctx.Done()) }()
	wg.Add(1)
	go func() { defer wg.Done(); bl.Run(ctx.Done(), 5*time.Minute) }()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for pkt := range cp.Packets() {
			aggregator.Ingest(pkt)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		scorePipeline(ctx, aggregator, pool, cascade, alerts, store, stats, geo)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("query surface listening", "addr", cfg.Query.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("query surface stopped unexpectedly", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), exitShutdownDeadline)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cp.Close()
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		log.Info("clean shutdown")
	case <-time.After(exitShutdownDeadline):
		log.Warn("shutdown deadline exceeded, in-flight work dropped")
	}

	return exitOK
}

// scorePipeline drains the Aggregator's scoring events through the Model
// Ensemble's worker pool and the Suppressor cascade. Every scored
// prediction goes to the Flow Store; predictions that pass the cascade go
// to the Alert Manager and the Statistics Tracker, per the data flow in
// spec §1.
func scorePipeline(ctx context.Context, agg *flow.Aggregator, pool *model.Pool, cascade *suppress.Cascade, alerts *alert.Manager, store *flowstore.Store, stats *statistics.Tracker, geo *geoctx.Enricher) {
	for ev := range agg.Events() {
		snap := ev.Snapshot
		vec := features.Extract(snap)
		pred := pool.Predict(ctx, vec[:])

		verdict := cascade.Evaluate(snap, pred)

		if store != nil {
			store.Ingest(flowstore.Record{
				Timestamp:  snap.LastSeen,
				Key:        snap.Key,
				Features:   vec,
				Label:      pred.Label,
				Severity:   pred.Severity,
				Confidence: pred.Confidence,
				Method:     pred.Method,
			})
		}

		if !verdict.Emit {
			continue
		}
		stats.Record(pred.Severity, pred.Label, snap.Key.SrcIP)
		alertCtx := fmt.Sprintf("method=%s", pred.Method)
		if geo != nil {
			alertCtx = geo.Annotate(alertCtx, snap.Key.SrcIP, snap.Key.DstIP)
		}
		alerts.Ingest(snap.Key, pred.Label, pred.Severity, pred.Confidence, alertCtx, snap.Counters.PacketCount)
	}
}

// loadEnsemble reads the four frozen model artifacts and combines them per
// models config, refusing to start on any artifact or dimensionality
// mismatch — exit code 65, per spec §6/§7.
func loadEnsemble(cfg config.ModelsConfig) (*model.Ensemble, error) {
	tree, err := model.LoadTreeModel(cfg.MLPath)
	if err != nil {
		return nil, fmt.Errorf("load tree model: %w", err)
	}
	neural, err := model.LoadNeuralModel(cfg.DLPath)
	if err != nil {
		return nil, fmt.Errorf("load neural model: %w", err)
	}
	scaler, err := model.LoadStandardScaler(cfg.ScalerPath)
	if err != nil {
		return nil, fmt.Errorf("load scaler: %w", err)
	}
	classMapping, err := model.LoadClassMapping(cfg.ClassMappingPath)
	if err != nil {
		return nil, fmt.Errorf("load class mapping: %w", err)
	}
	for _, p := range []model.Predictor{tree, neural} {
		if p.NumClasses() != len(classMapping.IndexToLabel) {
			return nil, fmt.Errorf("model outputs %d classes, class mapping has %d labels", p.NumClasses(), len(classMapping.IndexToLabel))
		}
	}

	featureInfoPath := filepath.Join(filepath.Dir(cfg.ClassMappingPath), "feature_info.json")
	if fi, err := model.LoadFeatureInfo(featureInfoPath); err != nil {
		return nil, fmt.Errorf("load feature info: %w", err)
	} else if fi != nil && fi.Count != features.Count {
		return nil, fmt.Errorf("feature_info.json declares %d features, core expects %d", fi.Count, features.Count)
	}

	return &model.Ensemble{
		Tree:                    tree,
		Neural:                  neural,
		Scaler:                  scaler,
		Labels:                  classMapping.IndexToLabel,
		TreeWeight:              cfg.MLWeight,
		NeuralWeight:            cfg.DLWeight,
		BenignFallbackThreshold: cfg.OptimalThreshold,
	}, nil
}

// setupLogging opens the detection core's log file under cfg.LogDir and
// wires optional syslog forwarding, grounded on the teacher's own
// log-to-file-plus-syslog-mirror shape.
func setupLogging(cfg *config.Config) (*logging.Logger, func()) {
	logCfg := logging.DefaultConfig()

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(cfg.LogDir, "flowsentry-core.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				logCfg.Output = f
				if cfg.Syslog != nil && cfg.Syslog.Enabled {
					logCfg.Syslog = logging.SyslogConfig{
						Enabled:  true,
						Host:     cfg.Syslog.Host,
						Port:     cfg.Syslog.Port,
						Protocol: cfg.Syslog.Protocol,
						Tag:      cfg.Syslog.Tag,
						Facility: cfg.Syslog.Facility,
					}
				}
				return logging.New(logCfg), func() { f.Close() }
			}
		}
	}
	return logging.New(logCfg), func() {}
}

func intsToUints(xs []int) []uint {
	out := make([]uint, len(xs))
	for i, x := range xs {
		out[i] = uint(x)
	}
	return out
}
