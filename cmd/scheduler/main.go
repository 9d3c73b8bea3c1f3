// Command scheduler is the outbound system's central process: it owns the
// Workflow Engine (C8), the Handler Set (C7), the Shared State Store (C6),
// and the Bus Client (C4) subscriptions that drive the whole trigger ->
// height -> motion -> code read -> order -> completion sequence.
//
// Grounded on shingo-core/cmd/shingocore/main.go's flag-parse -> config-load
// -> component-wire -> serve -> signal-wait -> graceful-shutdown ordering.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caoyingjie21/IntelligentOutboundSystem/admin"
	"github.com/caoyingjie21/IntelligentOutboundSystem/busclient"
	"github.com/caoyingjie21/IntelligentOutboundSystem/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/handlers"
	"github.com/caoyingjie21/IntelligentOutboundSystem/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
	"github.com/caoyingjie21/IntelligentOutboundSystem/wiring"
	"github.com/caoyingjie21/IntelligentOutboundSystem/workflow"
)

const serviceName = "scheduler"

func main() {
	configPath := flag.String("config", "", "path to service config YAML (optional)")
	outboxPath := flag.String("outbox", "scheduler_outbox.db", "path to the SQLite outbox database")
	adminAddr := flag.String("admin", ":8081", "admin HTTP listen address (healthz/statistics/metrics)")
	flag.Parse()

	cfg, result := config.Load(*configPath, serviceName)
	for _, w := range result.Warnings {
		log.Printf("scheduler: config warning: %s", w)
	}
	if !result.OK() {
		log.Fatalf("scheduler: config invalid: %v", result.Errors)
	}

	reg := registry.New()
	workflow.RegisterTopics(reg)

	rtr := router.New()
	store := statestore.New()

	outbox, err := busclient.OpenOutbox(*outboxPath)
	if err != nil {
		log.Fatalf("scheduler: open outbox: %v", err)
	}
	defer outbox.Close()

	addr := protocol.Address{Name: serviceName, Version: protocol.Version}
	client := busclient.New(cfg, reg, rtr, addr, outbox)

	engine := workflow.NewEngine(client, store, motion.GeometryConfig{
		HeightInit:   cfg.MotionControl.HeightInit,
		TrayHeight:   cfg.MotionControl.TrayHeight,
		CameraHeight: cfg.MotionControl.CameraHeight,
		CoderHeight:  cfg.MotionControl.CoderHeight,
	})

	sensorHandler := handlers.NewSensorHandler(store, client)
	visionHandler := handlers.NewVisionHandler(store)
	motionHandler := handlers.NewMotionHandler(store, client)
	coderHandler := handlers.NewCoderHandler(store, client)
	defaultHandler := handlers.NewDefaultHandler(store, client)
	systemHandler := handlers.NewSystemHandler(store, client, engine, recognizedEffects())
	rtr.SetDefault(defaultHandler)

	version := cfg.Messages.Version

	routes := []struct {
		key, short string
		legacy     router.Handler
		workflow   func(*protocol.Envelope) error
	}{
		{"sensor.trigger", "sensor/grating", sensorHandler, engine.HandleSensorTrigger},
		{workflow.KeyVisionHeightResult, "vision/height/result", visionHandler, engine.HandleVisionHeightResult},
		{"vision.result", "vision/result", visionHandler, nil},
		{workflow.KeyVisionDetection, "vision/detection", visionHandler, nil},
		{"motion.complete", "motion/moving/complete", motionHandler, engine.HandleMotionComplete},
		{workflow.KeyMotionPosition, "motion/position", motionHandler, nil},
		{"coder.complete", "coder/complete", coderHandler, engine.HandleCoderComplete},
		{workflow.KeyCoderResult, "coder/result", coderHandler, nil},
		{"order.new", "order/new", nil, engine.HandleOrderNew},
	}
	for _, r := range routes {
		if err := wiring.Route(reg, rtr, client, version, r.key, r.short, r.legacy, r.workflow); err != nil {
			log.Fatalf("scheduler: wire %s: %v", r.key, err)
		}
	}
	if err := wiring.Route(reg, rtr, client, version, "status.heartbeat", "system/heartbeat", systemHandler, nil, "+"); err != nil {
		log.Fatalf("scheduler: wire status.heartbeat: %v", err)
	}
	for _, topic := range []string{"system/status", "system/config"} {
		if err := wiring.DirectRoute(rtr, client, topic, systemHandler, nil); err != nil {
			log.Fatalf("scheduler: wire %s: %v", topic, err)
		}
	}

	adminSrv := &http.Server{Addr: *adminAddr, Handler: admin.NewRouter(serviceName, client)}

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		if err := client.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("bus client: %w", err)
		}
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		log.Printf("scheduler: admin listening on %s", *adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	log.Printf("scheduler: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("scheduler: shutting down...")
	case <-ctx.Done():
		log.Printf("scheduler: subsystem failed, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("scheduler: admin shutdown: %v", err)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler: bus client shutdown: %v", err)
	}
	cancel()

	if err := g.Wait(); err != nil {
		log.Printf("scheduler: subsystem error: %v", err)
	}
	log.Printf("scheduler: stopped")
}

// recognizedEffects wires the system handler's config keys (spec.md §4.7) to
// runtime effects. None of the three changes the running process: log_level
// only logs the new value (the standard logger has no levels), and the other
// two log that a restart is needed; all are acknowledged without error,
// matching spec.md §4.7's "unrecognized keys are stored but
// have no effect" for anything this process can't actually apply.
func recognizedEffects() map[string]handlers.ConfigEffect {
	return map[string]handlers.ConfigEffect{
		"log_level": func(value string) error {
			log.Printf("scheduler: log_level set to %s (no-op: plain log has no levels)", value)
			return nil
		},
		"mqtt_reconnect_interval": func(value string) error {
			log.Printf("scheduler: mqtt_reconnect_interval update to %s requires a restart to take effect", value)
			return nil
		},
		"task_timeout": func(value string) error {
			log.Printf("scheduler: task_timeout update to %s requires a restart to take effect", value)
			return nil
		},
	}
}
