// Command motioncontrol runs the Motion Adapter (C10) as its own process: it
// owns the axis (simulated unless a real fieldbus driver is wired in later),
// subscribes to motion.move/motion.stop, and publishes motion.complete.
//
// Grounded on shingo-edge/cmd/shingoedge/main.go's flag-parse -> config-load
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
	"github.com/caoyingjie21/IntelligentOutboundSystem/axis"
	"github.com/caoyingjie21/IntelligentOutboundSystem/busclient"
	"github.com/caoyingjie21/IntelligentOutboundSystem/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/wiring"
	"github.com/caoyingjie21/IntelligentOutboundSystem/workflow"
)

const serviceName = "motioncontrol"

func main() {
	configPath := flag.String("config", "", "path to service config YAML (optional)")
	outboxPath := flag.String("outbox", "motioncontrol_outbox.db", "path to the SQLite outbox database")
	adminAddr := flag.String("admin", ":8082", "admin HTTP listen address (healthz/statistics/metrics)")
	flag.Parse()

	cfg, result := config.Load(*configPath, serviceName)
	for _, w := range result.Warnings {
		log.Printf("motioncontrol: config warning: %s", w)
	}
	if !result.OK() {
		log.Fatalf("motioncontrol: config invalid: %v", result.Errors)
	}

	reg := registry.New()
	workflow.RegisterTopics(reg)

	rtr := router.New()

	outbox, err := busclient.OpenOutbox(*outboxPath)
	if err != nil {
		log.Fatalf("motioncontrol: open outbox: %v", err)
	}
	defer outbox.Close()

	addr := protocol.Address{Name: serviceName, Version: protocol.Version}
	client := busclient.New(cfg, reg, rtr, addr, outbox)

	ax := axis.NewSimulated()
	adapter := motion.New(ax, cfg.MotionControl.MinPosition, cfg.MotionControl.MaxPosition)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Initialize(ctx); err != nil {
		log.Fatalf("motioncontrol: initialize axis: %v", err)
	}

	factor := cfg.MotionControl.MMToPulseFactor
	if factor == 0 {
		factor = motion.MMToPulseFactor
	}
	speed := cfg.MotionControl.DefaultSpeed
	if speed <= 0 {
		speed = 100
	}

	mover := &moveHandler{client: client, adapter: adapter, factor: factor, defaultSpeed: speed}
	stopper := &stopHandler{adapter: adapter}

	version := cfg.Messages.Version
	if err := wiring.Route(reg, rtr, client, version, "motion.move", "motion/move", mover, nil); err != nil {
		log.Fatalf("motioncontrol: wire motion.move: %v", err)
	}
	if err := wiring.DirectRoute(rtr, client, "motion/stop", stopper, nil); err != nil {
		log.Fatalf("motioncontrol: wire motion/stop: %v", err)
	}

	adminSrv := &http.Server{Addr: *adminAddr, Handler: admin.NewRouter(serviceName, client)}

	runCtx, runCancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		if err := client.Start(runCtx); err != nil {
			runCancel()
			return fmt.Errorf("bus client: %w", err)
		}
		<-runCtx.Done()
		return nil
	})
	g.Go(func() error {
		log.Printf("motioncontrol: admin listening on %s", *adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			runCancel()
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	log.Printf("motioncontrol: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("motioncontrol: shutting down...")
	case <-runCtx.Done():
		log.Printf("motioncontrol: subsystem failed, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("motioncontrol: admin shutdown: %v", err)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		log.Printf("motioncontrol: bus client shutdown: %v", err)
	}
	if err := adapter.Shutdown(shutdownCtx); err != nil {
		log.Printf("motioncontrol: axis shutdown: %v", err)
	}
	runCancel()

	if err := g.Wait(); err != nil {
		log.Printf("motioncontrol: subsystem error: %v", err)
	}
	log.Printf("motioncontrol: stopped")
}

// moveHandler decodes motion.move commands, converts the requested
// millimetre position to device pulses, drives the adapter, and publishes
// motion.complete with the outcome.
type moveHandler struct {
	client       *busclient.Client
	adapter      *motion.Adapter
	factor       float64
	defaultSpeed int
}

func (m *moveHandler) SupportedTopics() []string   { return []string{"motion/move"} }
func (m *moveHandler) CanHandle(topic string) bool { return topic == "motion/move" }

func (m *moveHandler) Handle(topic string, payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("motioncontrol: decode motion.move: %w", err)
	}
	var move protocol.MotionMove
	if err := env.DecodePayload(&move); err != nil {
		return fmt.Errorf("motioncontrol: unmarshal motion.move: %w", err)
	}

	speed := m.defaultSpeed
	if move.Speed != nil && *move.Speed > 0 {
		speed = *move.Speed
	}
	target := motion.MMToPulses(move.PositionMM, m.factor)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	moveErr := m.adapter.MoveAbsolute(ctx, target, speed)
	status := m.adapter.Status()

	complete := protocol.MotionComplete{
		TaskID:        move.TaskID,
		FinalPosition: status.Position,
		Success:       moveErr == nil,
		Timestamp:     time.Now().UTC(),
	}
	m.client.Publish("motion.complete", complete, protocol.PriorityNormal, env.CorrelationID)

	if moveErr == nil {
		position := protocol.MotionPosition{X: float64(status.Position) / m.factor, Timestamp: time.Now().UTC()}
		m.client.Publish(workflow.KeyMotionPosition, position, protocol.PriorityLow, env.CorrelationID)
	} else {
		log.Printf("motioncontrol: move failed for task %s: %v", move.TaskID, moveErr)
	}
	return nil
}

// stopHandler commands an immediate controlled stop, outside the normal
// move/complete cycle (spec.md §4.10's cancel path).
type stopHandler struct {
	adapter *motion.Adapter
}

func (s *stopHandler) SupportedTopics() []string   { return []string{"motion/stop"} }
func (s *stopHandler) CanHandle(topic string) bool { return topic == "motion/stop" }

func (s *stopHandler) Handle(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.adapter.Stop(ctx); err != nil {
		return fmt.Errorf("motioncontrol: stop: %w", err)
	}
	return nil
}
