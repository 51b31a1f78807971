// Command uwb-node runs the TDMA ranging protocol on one tag and publishes
// its localization updates to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/uwb-tdma/internal/config"
	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/gpio"
	"github.com/sweeney/uwb-tdma/internal/metrics"
	"github.com/sweeney/uwb-tdma/internal/mqtt"
	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
	"github.com/sweeney/uwb-tdma/internal/radio/serial"
	"github.com/sweeney/uwb-tdma/internal/status"
	"github.com/sweeney/uwb-tdma/internal/tdma"
	"github.com/sweeney/uwb-tdma/internal/web"
)

func main() {
	cfg, printDevices, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("fatal: %v", err)
	}
	if err := run(cfg, printDevices); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// parseFlags builds the configuration: defaults, then the --config file,
// then any flag given explicitly.
func parseFlags(args []string) (config.Config, bool, error) {
	def := config.Default()
	fs := pflag.NewFlagSet("uwb-node", pflag.ContinueOnError)

	configPath := fs.String("config", "", "YAML deployment file")
	port := fs.String("port", def.Radio.Port, "Transceiver serial port (empty to auto-detect)")
	baud := fs.Int("baud", def.Radio.Baud, "Serial baud rate")
	nodeID := fs.Uint16("node-id", def.NodeID, "Device id, e.g. 0x6001 (0 reads it from the transceiver)")
	broker := fs.String("broker", def.MQTT.Broker, "MQTT broker address")
	httpAddr := fs.String("http", def.HTTP.Addr, "HTTP status address (empty to disable)")
	heartbeat := fs.Duration("heartbeat", def.MQTT.Heartbeat, "Heartbeat interval (0 to disable)")
	resetPin := fs.Int("reset-pin", def.Radio.ResetPin, "GPIO line of the transceiver reset (-1 to disable)")
	printDevices := fs.Bool("print-devices", false, "Print the devices in range and exit")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, err
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, false, err
		}
	}
	if fs.Changed("port") {
		cfg.Radio.Port = *port
	}
	if fs.Changed("baud") {
		cfg.Radio.Baud = *baud
	}
	if fs.Changed("node-id") {
		cfg.NodeID = *nodeID
	}
	if fs.Changed("broker") {
		cfg.MQTT.Broker = *broker
	}
	if fs.Changed("http") {
		cfg.HTTP.Addr = *httpAddr
	}
	if fs.Changed("heartbeat") {
		cfg.MQTT.Heartbeat = *heartbeat
	}
	if fs.Changed("reset-pin") {
		cfg.Radio.ResetPin = *resetPin
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, *printDevices, nil
}

func run(cfg config.Config, printDevices bool) error {
	if err := raisePriority(); err != nil {
		log.Printf("cannot raise process priority: %v", err)
	}

	opts := serial.DefaultOptions()
	opts.Timeout = cfg.Radio.Timeout
	port, err := serial.Open(cfg.Radio.Port, cfg.Radio.Baud, opts)
	if err != nil {
		return fmt.Errorf("open transceiver: %w", err)
	}
	dev := radio.NewLocked(port)
	defer dev.Close()

	id, info, err := radio.ResolveNodeID(dev, protocol.DeviceID(cfg.NodeID))
	if err != nil {
		return err
	}
	ok, err := radio.FirmwareAtLeast(info.Firmware, cfg.Radio.MinFirmware)
	if err != nil {
		return fmt.Errorf("check firmware: %w", err)
	}
	if !ok {
		log.Printf("warning: transceiver firmware %s is older than %s", info.Firmware, cfg.Radio.MinFirmware)
	}

	// Print devices mode
	if printDevices {
		return printDeviceList(dev, cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var line gpio.ResetLine
	if cfg.Radio.ResetPin >= 0 {
		l, err := gpio.NewRealResetLine(cfg.Radio.ResetChip, cfg.Radio.ResetPin)
		if err != nil {
			return fmt.Errorf("init reset line: %w", err)
		}
		defer l.Close()
		line = l
	}
	recovery := radio.NewRecovery(dev, line, radio.RecoveryConfig{
		Threshold: cfg.Radio.ResetThreshold,
		Cooldown:  cfg.Radio.ResetCooldown,
	}, time.Now, m)

	runID := uuid.NewString()
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Node:        id,
		RunID:       runID,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	queue := estimator.NewQueue(cfg.Estimator.QueueSize, m)
	node := tdma.NewNode(tdma.Options{
		ID:      id,
		Config:  cfg,
		Device:  recovery,
		Updates: queue,
		Metrics: m,
	})

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		NodeID:       id,
		RunID:        runID,
		Port:         cfg.Radio.Port,
		Firmware:     info.Firmware,
		Broker:       cfg.MQTT.Broker,
		HTTPAddr:     cfg.HTTP.Addr,
		HeartbeatMs:  cfg.MQTT.Heartbeat.Milliseconds(),
		NbTaskSlots:  cfg.TDMA.NbTaskSlots,
		TaskSlotMs:   cfg.TDMA.TaskSlot.Milliseconds(),
		SyncPeriodMs: cfg.TDMA.SyncPeriod.Milliseconds(),
	})
	refreshHost(tracker)
	tracker.Update(node.Status())

	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return estimator.Forward(gctx, queue, publisher)
	})

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, reg)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: node=%s firmware=%s run=%s loop=%v broker=%s heartbeat=%v",
		id, info.Firmware, runID, cfg.TDMA.LoopPeriod(), cfg.MQTT.Broker, cfg.MQTT.Heartbeat)

	ticker := time.NewTicker(cfg.TDMA.LoopPeriod())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loopErr := runLoop(node, publisher, publisher, tracker, recovery, m,
		cfg.MQTT.Heartbeat, cfg.TDMA.LoopPeriod(), time.Now, ticker.C, sigCh)

	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	return loopErr
}

// resetCounter reports how many times the transceiver was reset.
type resetCounter interface {
	Resets() int
}

func runLoop(node *tdma.Node, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, resets resetCounter, m *metrics.Metrics, heartbeat, budget time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			start := time.Now()
			t := now()
			node.Step()

			// Update status tracker for HTTP consumers
			if tracker != nil {
				p := node.Status()
				if resets != nil {
					p.Counts.RadioResets = resets.Resets()
				}
				tracker.Update(p)
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}

			if heartbeat > 0 && t.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = t
				p := node.Status()
				log.Printf("heartbeat: state=%s clock=%.3f neighbors=%d slots=%v updates=%d",
					p.State, p.Clock, len(p.Neighbors), p.SendSlots, p.Counts.Updates)

				hbEvent := mqtt.SystemEvent{
					Timestamp: t,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					refreshHost(tracker)
					hbEvent.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			m.ObserveLoop(time.Since(start), budget)
		}
	}
}

func refreshHost(tracker *status.Tracker) {
	host, err := status.ReadHost()
	if err != nil {
		log.Printf("host info: %v", err)
		return
	}
	tracker.SetHost(host)
}

func printDeviceList(dev radio.Device, cfg config.Config) error {
	if err := dev.ClearDevices(); err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}
	ids, err := dev.Discover(radio.FilterAll)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	fmt.Print(formatDevices(ids, cfg.AnchorTable()))
	return nil
}

// formatDevices renders one line per device, anchors with their position.
func formatDevices(ids []protocol.DeviceID, anchors []protocol.Anchor) string {
	known := make(map[protocol.DeviceID]protocol.Coordinates, len(anchors))
	for _, a := range anchors {
		known[a.ID] = a.Position
	}
	out := ""
	for _, id := range ids {
		if pos, ok := known[id]; ok {
			out += fmt.Sprintf("%s anchor x=%d y=%d z=%d\n", id, pos.X, pos.Y, pos.Z)
		} else {
			out += fmt.Sprintf("%s tag\n", id)
		}
	}
	if out == "" {
		out = "no devices in range\n"
	}
	return out
}
