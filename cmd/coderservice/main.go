// Command coderservice runs the Coder Gateway (C9) as its own process: it
// accepts raw TCP connections from barcode/QR scanners, subscribes to
// coder.start, collects scanner output for the configured window, and
// publishes coder.complete.
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
	"github.com/caoyingjie21/IntelligentOutboundSystem/coder"
	"github.com/caoyingjie21/IntelligentOutboundSystem/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/wiring"
	"github.com/caoyingjie21/IntelligentOutboundSystem/workflow"
)

const serviceName = "coderservice"

func main() {
	configPath := flag.String("config", "", "path to service config YAML (optional)")
	outboxPath := flag.String("outbox", "coderservice_outbox.db", "path to the SQLite outbox database")
	adminAddr := flag.String("admin", ":8083", "admin HTTP listen address (healthz/statistics/metrics)")
	flag.Parse()

	cfg, result := config.Load(*configPath, serviceName)
	for _, w := range result.Warnings {
		log.Printf("coderservice: config warning: %s", w)
	}
	if !result.OK() {
		log.Fatalf("coderservice: config invalid: %v", result.Errors)
	}

	reg := registry.New()
	workflow.RegisterTopics(reg)

	rtr := router.New()

	outbox, err := busclient.OpenOutbox(*outboxPath)
	if err != nil {
		log.Fatalf("coderservice: open outbox: %v", err)
	}
	defer outbox.Close()

	addr := protocol.Address{Name: serviceName, Version: protocol.Version}
	client := busclient.New(cfg, reg, rtr, addr, outbox)

	gw := coder.New(
		cfg.CoderService.SocketAddress,
		cfg.CoderService.SocketPort,
		cfg.CoderService.MaxClients,
		cfg.CoderService.ReceiveBufferSize,
		time.Duration(cfg.CoderService.ClientTimeoutMS)*time.Millisecond,
		client.IsConnected,
	)
	if err := gw.Start(); err != nil {
		log.Fatalf("coderservice: start gateway: %v", err)
	}

	scanTimeout := time.Duration(cfg.CoderService.ScanTimeoutMS) * time.Millisecond
	starter := &startHandler{client: client, gateway: gw, scanTimeout: scanTimeout}

	version := cfg.Messages.Version
	if err := wiring.Route(reg, rtr, client, version, "coder.start", "coder/start", starter, nil); err != nil {
		log.Fatalf("coderservice: wire coder.start: %v", err)
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
		log.Printf("coderservice: admin listening on %s", *adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	log.Printf("coderservice: listening for scanners on %s:%d", cfg.CoderService.SocketAddress, cfg.CoderService.SocketPort)
	log.Printf("coderservice: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("coderservice: shutting down...")
	case <-ctx.Done():
		log.Printf("coderservice: subsystem failed, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("coderservice: admin shutdown: %v", err)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		log.Printf("coderservice: bus client shutdown: %v", err)
	}
	if err := gw.Stop(); err != nil {
		log.Printf("coderservice: gateway shutdown: %v", err)
	}
	cancel()

	if err := g.Wait(); err != nil {
		log.Printf("coderservice: subsystem error: %v", err)
	}
	log.Printf("coderservice: stopped")
}

// startHandler decodes coder.start commands, runs a collection window over
// the gateway's connected scanners, and publishes coder.complete with the
// joined result. A scan that collects no codes from any client is still
// reported as successful (spec.md §4.9: absence of a read is a business
// outcome for the Workflow Engine to interpret, not a transport failure).
type startHandler struct {
	client      *busclient.Client
	gateway     *coder.Gateway
	scanTimeout time.Duration
}

func (s *startHandler) SupportedTopics() []string   { return []string{"coder/start"} }
func (s *startHandler) CanHandle(topic string) bool { return topic == "coder/start" }

func (s *startHandler) Handle(topic string, payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return fmt.Errorf("coderservice: decode coder.start: %w", err)
	}
	var start protocol.CoderStart
	if err := env.DecodePayload(&start); err != nil {
		return fmt.Errorf("coderservice: unmarshal coder.start: %w", err)
	}

	result := s.gateway.StartScan(start.Direction, start.StackHeight, s.scanTimeout)

	var codes []string
	if result.Codes != "" {
		codes = append(codes, splitNonEmpty(result.Codes, ';')...)
	}

	for _, code := range codes {
		s.client.Publish(workflow.KeyCoderResult, protocol.CoderResult{
			TaskID:     env.CorrelationID,
			Code:       code,
			CodeType:   inferCodeType(code),
			Confidence: 1.0,
			Timestamp:  result.Timestamp,
		}, protocol.PriorityNormal, env.CorrelationID)
	}

	complete := protocol.CoderComplete{
		Direction:   result.Direction,
		StackHeight: result.StackHeight,
		Codes:       codes,
		Timestamp:   result.Timestamp,
		Success:     true,
	}
	s.client.Publish("coder.complete", complete, protocol.PriorityNormal, env.CorrelationID)
	return nil
}

// inferCodeType guesses a scanned frame's code type from its shape, since
// the raw TCP protocol carries no type tag of its own: an 8-20 digit frame
// is a barcode (matching handlers/coder.go's validateCode range), anything
// else is reported as a qrcode.
func inferCodeType(code string) string {
	if len(code) >= 8 && len(code) <= 20 {
		allDigits := true
		for _, r := range code {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			return "barcode"
		}
	}
	return "qrcode"
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
