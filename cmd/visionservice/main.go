// Command visionservice runs a vision.Detector as its own process: it
// subscribes to vision.height.request and publishes vision.height.result,
// the single round trip the Workflow Engine drives on every task (spec.md
// §4.8), and answers vision.start with a vision.detection pass. No camera acquisition backend is in scope (spec.md §1); this
// process wires a vision.Stub until a real camera driver exists.
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
	"github.com/caoyingjie21/IntelligentOutboundSystem/busclient"
	"github.com/caoyingjie21/IntelligentOutboundSystem/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/vision"
	"github.com/caoyingjie21/IntelligentOutboundSystem/wiring"
	"github.com/caoyingjie21/IntelligentOutboundSystem/workflow"
)

const serviceName = "visionservice"

func main() {
	configPath := flag.String("config", "", "path to service config YAML (optional)")
	outboxPath := flag.String("outbox", "visionservice_outbox.db", "path to the SQLite outbox database")
	adminAddr := flag.String("admin", ":8084", "admin HTTP listen address (healthz/statistics/metrics)")
	initialHeight := flag.Float64("stub-height", 0, "minimum height (mm) the stub detector reports until a real camera is wired in")
	flag.Parse()

	cfg, result := config.Load(*configPath, serviceName)
	for _, w := range result.Warnings {
		log.Printf("visionservice: config warning: %s", w)
	}
	if !result.OK() {
		log.Fatalf("visionservice: config invalid: %v", result.Errors)
	}

	reg := registry.New()
	workflow.RegisterTopics(reg)

	rtr := router.New()

	outbox, err := busclient.OpenOutbox(*outboxPath)
	if err != nil {
		log.Fatalf("visionservice: open outbox: %v", err)
	}
	defer outbox.Close()

	addr := protocol.Address{Name: serviceName, Version: protocol.Version}
	client := busclient.New(cfg, reg, rtr, addr, outbox)

	detector := vision.NewStub(*initialHeight)
	heightHandler := &heightRequestHandler{client: client, detector: detector}
	detectHandler := &detectHandler{client: client, detector: detector}

	version := cfg.Messages.Version
	if err := wiring.Route(reg, rtr, client, version, workflow.KeyVisionHeightRequest, "vision/height/request", heightHandler, nil); err != nil {
		log.Fatalf("visionservice: wire %s: %v", workflow.KeyVisionHeightRequest, err)
	}
	if err := wiring.Route(reg, rtr, client, version, "vision.start", "vision/start", detectHandler, nil); err != nil {
		log.Fatalf("visionservice: wire vision.start: %v", err)
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
		log.Printf("visionservice: admin listening on %s", *adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	log.Printf("visionservice: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("visionservice: shutting down...")
	case <-ctx.Done():
		log.Printf("visionservice: subsystem failed, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("visionservice: admin shutdown: %v", err)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		log.Printf("visionservice: bus client shutdown: %v", err)
	}
	cancel()

	if err := g.Wait(); err != nil {
		log.Printf("visionservice: subsystem error: %v", err)
	}
	log.Printf("visionservice: stopped")
}

// heightRequestHandler answers the single-shot minimum-height read the
// Workflow Engine issues on vision.height.request, publishing the result on
// vision.height.result correlated back to the request.
type heightRequestHandler struct {
	client   *busclient.Client
	detector vision.Detector
}

func (h *heightRequestHandler) SupportedTopics() []string   { return []string{"vision/height/request"} }
func (h *heightRequestHandler) CanHandle(topic string) bool { return topic == "vision/height/request" }

func (h *heightRequestHandler) Handle(topic string, payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("visionservice: decode vision.height.request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	minHeight, err := h.detector.MeasureHeight(ctx)
	if err != nil {
		return fmt.Errorf("visionservice: measure height: %w", err)
	}

	result := protocol.VisionHeightResult{MinHeight: minHeight, Timestamp: time.Now().UTC()}
	h.client.Publish(workflow.KeyVisionHeightResult, result, protocol.PriorityNormal, env.CorrelationID)
	return nil
}

// detectHandler runs the fuller classified-object detection pass on
// vision.start, publishing vision.detection.
type detectHandler struct {
	client   *busclient.Client
	detector vision.Detector
}

func (d *detectHandler) SupportedTopics() []string   { return []string{"vision/start"} }
func (d *detectHandler) CanHandle(topic string) bool { return topic == "vision/start" }

func (d *detectHandler) Handle(topic string, payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("visionservice: decode vision.start: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	objects, err := d.detector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("visionservice: detect: %w", err)
	}

	detection := protocol.VisionDetection{TaskID: env.CorrelationID, DetectedObjects: objects, Timestamp: time.Now().UTC()}
	d.client.Publish(workflow.KeyVisionDetection, detection, protocol.PriorityNormal, env.CorrelationID)
	return nil
}
