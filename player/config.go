package player

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PacketStuffing selects which stuff.Strategy Play wires up.
type PacketStuffing string

const (
	StuffingBasic PacketStuffing = "basic"
	StuffingSoxr  PacketStuffing = "soxr"
)

// Config holds every tunable the player core exposes, plus the handful
// of operational defaults (ring size, resend throttle) that would
// otherwise live as process-wide constants.
type Config struct {
	Latency                        int64 // frames, typically 88200
	AudioBackendLatencyOffset      int64 // signed frames, added to every deadline
	AudioBackendBufferDesiredLength int64 // target DAC queue depth, frames
	Tolerance                      int64 // sync_error threshold before stuffing kicks in
	ResyncThreshold                int64 // 0 disables resync-via-flush
	Timeout                        time.Duration
	PacketStuffing                 PacketStuffing
	BufferStartFill                int  // must be <= ring size
	StatisticsRequested             bool

	RingSize    int // power-of-two slot count; 0 sizes the ring to the smallest power of two that fits the latency
	MaxDACDelay int64 // frames; ceiling used by the buffering silence-fill step

	ResendRateLimit float64 // resend requests/sec
	ResendBurst     int
}

// yamlConfig mirrors bridge.yamlConfig's shadow-struct-plus-defaults
// pattern: unmarshal into plain strings/ints, then translate and
// validate field by field.
type yamlConfig struct {
	Latency struct {
		Frames        int64 `yaml:"frames"`
		BackendOffset int64 `yaml:"audio_backend_latency_offset"`
	} `yaml:"latency"`
	Backend struct {
		BufferDesiredLength int64 `yaml:"audio_backend_buffer_desired_length"`
		MaxDACDelay         int64 `yaml:"max_dac_delay"`
	} `yaml:"backend"`
	Sync struct {
		Tolerance       int64  `yaml:"tolerance"`
		ResyncThreshold int64  `yaml:"resyncthreshold"`
		Timeout         string `yaml:"timeout"`
	} `yaml:"sync"`
	Buffer struct {
		RingSize         int `yaml:"ring_size"`
		StartFill        int `yaml:"buffer_start_fill"`
	} `yaml:"buffer"`
	Stuffing struct {
		Mode string `yaml:"packet_stuffing"`
	} `yaml:"stuffing"`
	Resend struct {
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	} `yaml:"resend"`
	StatisticsRequested bool `yaml:"statistics_requested"`
}

// DefaultConfig returns the conventional defaults (two seconds of
// latency at 44.1kHz, etc.).
func DefaultConfig() Config {
	return Config{
		Latency:                         88200,
		AudioBackendLatencyOffset:       0,
		AudioBackendBufferDesiredLength: 0,
		Tolerance:                       88,
		ResyncThreshold:                 0,
		Timeout:                         0,
		PacketStuffing:                  StuffingBasic,
		BufferStartFill:                 0,
		StatisticsRequested:             false,
		RingSize:                        0,
		MaxDACDelay:                     132000,
		ResendRateLimit:                 20,
		ResendBurst:                     50,
	}
}

// LoadConfig reads and validates a YAML config file, the same
// read-then-unmarshal-then-validate shape as bridge.LoadConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("player: read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("player: parse config file: %w", err)
	}

	if yc.Latency.Frames > 0 {
		cfg.Latency = yc.Latency.Frames
	}
	cfg.AudioBackendLatencyOffset = yc.Latency.BackendOffset

	if yc.Backend.BufferDesiredLength > 0 {
		cfg.AudioBackendBufferDesiredLength = yc.Backend.BufferDesiredLength
	}
	if yc.Backend.MaxDACDelay > 0 {
		cfg.MaxDACDelay = yc.Backend.MaxDACDelay
	}

	if yc.Sync.Tolerance > 0 {
		cfg.Tolerance = yc.Sync.Tolerance
	}
	cfg.ResyncThreshold = yc.Sync.ResyncThreshold
	if yc.Sync.Timeout != "" {
		d, err := time.ParseDuration(yc.Sync.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("player: invalid sync.timeout: %w", err)
		}
		cfg.Timeout = d
	}

	if yc.Buffer.RingSize > 0 {
		cfg.RingSize = yc.Buffer.RingSize
	}
	cfg.BufferStartFill = yc.Buffer.StartFill

	if yc.Stuffing.Mode != "" {
		mode := PacketStuffing(yc.Stuffing.Mode)
		if mode != StuffingBasic && mode != StuffingSoxr {
			return Config{}, fmt.Errorf("player: stuffing.packet_stuffing must be %q or %q, got %q", StuffingBasic, StuffingSoxr, mode)
		}
		cfg.PacketStuffing = mode
	}

	if yc.Resend.RateLimit > 0 {
		cfg.ResendRateLimit = yc.Resend.RateLimit
	}
	if yc.Resend.Burst > 0 {
		cfg.ResendBurst = yc.Resend.Burst
	}

	cfg.StatisticsRequested = yc.StatisticsRequested

	return cfg, cfg.Validate()
}

// Validate checks the invariants the config table must satisfy
// (buffer_start_fill <= ring size) plus the basic non-negativity every
// frame-count/duration field needs.
func (c Config) Validate() error {
	if c.Latency < 0 {
		return errors.New("player: latency must be >= 0")
	}
	if c.Tolerance < 0 {
		return errors.New("player: tolerance must be >= 0")
	}
	if c.ResyncThreshold < 0 {
		return errors.New("player: resyncthreshold must be >= 0")
	}
	if c.Timeout < 0 {
		return errors.New("player: timeout must be >= 0")
	}
	if c.PacketStuffing != StuffingBasic && c.PacketStuffing != StuffingSoxr {
		return fmt.Errorf("player: packet_stuffing must be %q or %q", StuffingBasic, StuffingSoxr)
	}
	ringSize := c.RingSize
	if ringSize <= 0 {
		ringSize = defaultRingSizePlaceholder
	}
	if c.BufferStartFill > ringSize {
		return fmt.Errorf("player: buffer_start_fill %d exceeds ring size %d", c.BufferStartFill, ringSize)
	}
	if c.MaxDACDelay <= 0 {
		return errors.New("player: max_dac_delay must be > 0")
	}
	return nil
}

// defaultRingSizePlaceholder mirrors ring.DefaultSize without importing
// the ring package just for this bound check (Validate runs before a
// stream's frame_samples -- and therefore the real ring size -- is known).
const defaultRingSizePlaceholder = 512
