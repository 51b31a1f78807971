// Package config holds the node's deployment constants. A Config is built
// once at startup from Default, an optional YAML file and command-line
// flags, validated, and never changed afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Config is the complete node configuration.
type Config struct {
	// NodeID is this node's device id. 0 means read it from the transceiver.
	NodeID uint16 `yaml:"node_id"`

	TDMA      TDMAConfig      `yaml:"tdma"`
	Radio     RadioConfig     `yaml:"radio"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Estimator EstimatorConfig `yaml:"estimator"`

	// FloorHeight is added to the z of anchors on level 2, in mm.
	FloorHeight int32          `yaml:"floor_height_mm"`
	Anchors     []AnchorConfig `yaml:"anchors"`
}

// TDMAConfig holds the protocol timing constants.
type TDMAConfig struct {
	NbTaskSlots   int     `yaml:"nb_task_slots"`
	NbNodes       int     `yaml:"nb_nodes"`
	LoopFrequency float64 `yaml:"loop_frequency_hz"`

	SyncPeriod       time.Duration `yaml:"sync_period"`
	SyncSlot         time.Duration `yaml:"sync_slot"`
	SchedulingSlot   time.Duration `yaml:"scheduling_slot"`
	SchedulingRounds int           `yaml:"scheduling_rounds"`
	TaskSlot         time.Duration `yaml:"task_slot"`
	NbFrames         int           `yaml:"nb_frames"`

	ObsolescenceDelay time.Duration `yaml:"obsolescence_delay"`
	// JumpThreshold is the clock offset above which a correction is applied
	// at once instead of averaged, in seconds.
	JumpThreshold float64 `yaml:"jump_threshold"`
	// SyncThreshold is the rolling mean offset under which the node counts
	// itself synchronized, in seconds.
	SyncThreshold float64 `yaml:"sync_threshold"`
	// StableSyncCycles is how many consecutive ticks all neighbors must be
	// synced before scheduling starts early.
	StableSyncCycles int `yaml:"stable_sync_cycles"`

	DiscoveryInterval  int           `yaml:"discovery_interval_frames"`
	LocalizationBudget time.Duration `yaml:"localization_budget"`
	TagBase            uint16        `yaml:"tag_base"`
	Seed               int64         `yaml:"seed"`
}

// RadioConfig describes the transceiver link.
type RadioConfig struct {
	// Port is the serial device; empty selects the first matching port.
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`

	ResetChip      string        `yaml:"reset_chip"`
	ResetPin       int           `yaml:"reset_pin"` // -1 disables the reset line
	ResetThreshold int           `yaml:"reset_threshold"`
	ResetCooldown  time.Duration `yaml:"reset_cooldown"`

	MinFirmware string `yaml:"min_firmware"`
}

// MQTTConfig describes the estimator boundary broker.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

// HTTPConfig describes the status server.
type HTTPConfig struct {
	// Addr is empty to disable the server.
	Addr string `yaml:"addr"`
}

// EstimatorConfig sizes the update queue.
type EstimatorConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// AnchorConfig is one fixed anchor.
type AnchorConfig struct {
	ID    uint16 `yaml:"id"`
	X     int32  `yaml:"x"`
	Y     int32  `yaml:"y"`
	Z     int32  `yaml:"z"`
	Level int    `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		TDMA: TDMAConfig{
			NbTaskSlots:        13,
			NbNodes:            12,
			LoopFrequency:      60,
			SyncPeriod:         20 * time.Second,
			SyncSlot:           30 * time.Millisecond,
			SchedulingSlot:     30 * time.Millisecond,
			SchedulingRounds:   30,
			TaskSlot:           100 * time.Millisecond,
			NbFrames:           100,
			ObsolescenceDelay:  20 * time.Second,
			JumpThreshold:      0.5,
			SyncThreshold:      0.005,
			StableSyncCycles:   60,
			DiscoveryInterval:  5,
			LocalizationBudget: 60 * time.Millisecond,
			TagBase:            0x6000,
		},
		Radio: RadioConfig{
			Baud:           115200,
			Timeout:        20 * time.Millisecond,
			ResetChip:      "gpiochip0",
			ResetPin:       -1,
			ResetThreshold: 10,
			ResetCooldown:  time.Minute,
			MinFirmware:    "1.1",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "uwb",
			Heartbeat:   15 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Estimator: EstimatorConfig{
			QueueSize: 20,
		},
		FloorHeight: 3000,
	}
}

// Load overlays the YAML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	t := c.TDMA
	if t.NbTaskSlots < 1 || t.NbTaskSlots > 1<<15 {
		errs = append(errs, fmt.Errorf("tdma.nb_task_slots %d out of range [1, 32768]", t.NbTaskSlots))
	}
	if t.NbNodes < 1 {
		errs = append(errs, fmt.Errorf("tdma.nb_nodes must be positive, got %d", t.NbNodes))
	}
	if t.LoopFrequency <= 0 {
		errs = append(errs, fmt.Errorf("tdma.loop_frequency_hz must be positive, got %v", t.LoopFrequency))
	}
	for name, d := range map[string]time.Duration{
		"tdma.sync_period":        t.SyncPeriod,
		"tdma.sync_slot":          t.SyncSlot,
		"tdma.scheduling_slot":    t.SchedulingSlot,
		"tdma.task_slot":          t.TaskSlot,
		"tdma.obsolescence_delay": t.ObsolescenceDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if t.SchedulingRounds < 1 {
		errs = append(errs, fmt.Errorf("tdma.scheduling_rounds must be positive, got %d", t.SchedulingRounds))
	}
	if t.NbFrames < 1 {
		errs = append(errs, fmt.Errorf("tdma.nb_frames must be positive, got %d", t.NbFrames))
	}
	if t.JumpThreshold <= 0 || t.SyncThreshold <= 0 || t.SyncThreshold >= t.JumpThreshold {
		errs = append(errs, fmt.Errorf("need 0 < tdma.sync_threshold (%v) < tdma.jump_threshold (%v)", t.SyncThreshold, t.JumpThreshold))
	}
	if t.DiscoveryInterval < 1 {
		errs = append(errs, fmt.Errorf("tdma.discovery_interval_frames must be positive, got %d", t.DiscoveryInterval))
	}
	if t.LocalizationBudget < 0 || t.LocalizationBudget > t.TaskSlot {
		errs = append(errs, fmt.Errorf("tdma.localization_budget %v must be within the task slot %v", t.LocalizationBudget, t.TaskSlot))
	}
	if c.Radio.Baud <= 0 {
		errs = append(errs, fmt.Errorf("radio.baud must be positive, got %d", c.Radio.Baud))
	}
	if c.Radio.ResetThreshold < 1 {
		errs = append(errs, fmt.Errorf("radio.reset_threshold must be positive, got %d", c.Radio.ResetThreshold))
	}
	if c.Estimator.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("estimator.queue_size must be positive, got %d", c.Estimator.QueueSize))
	}

	seen := make(map[uint16]bool)
	for i, a := range c.Anchors {
		if a.ID == 0 {
			errs = append(errs, fmt.Errorf("anchors[%d]: id is required", i))
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("anchors[%d]: duplicate id %#04x", i, a.ID))
		}
		seen[a.ID] = true
		if a.Level != 0 && a.Level != 1 && a.Level != 2 {
			errs = append(errs, fmt.Errorf("anchors[%d]: level must be 1 or 2, got %d", i, a.Level))
		}
	}
	return errors.Join(errs...)
}

// FrameDuration is one rotation through every task slot.
func (t TDMAConfig) FrameDuration() time.Duration {
	return time.Duration(t.NbTaskSlots) * t.TaskSlot
}

// SchedulingPeriod is the budget of the scheduling phase.
func (t TDMAConfig) SchedulingPeriod() time.Duration {
	return t.SchedulingSlot * time.Duration(t.NbNodes*t.SchedulingRounds)
}

// TaskPhase is the budget of the listen/task phase of one full cycle.
func (t TDMAConfig) TaskPhase() time.Duration {
	return time.Duration(t.NbFrames) * t.FrameDuration()
}

// LoopPeriod is the control loop tick.
func (t TDMAConfig) LoopPeriod() time.Duration {
	return time.Duration(float64(time.Second) / t.LoopFrequency)
}

// AnchorTable returns the configured anchors with level heights applied.
func (c Config) AnchorTable() []protocol.Anchor {
	out := make([]protocol.Anchor, 0, len(c.Anchors))
	for _, a := range c.Anchors {
		z := a.Z
		if a.Level == 2 {
			z += c.FloorHeight
		}
		out = append(out, protocol.Anchor{
			ID:       protocol.DeviceID(a.ID),
			Position: protocol.Coordinates{X: a.X, Y: a.Y, Z: z},
		})
	}
	return out
}
