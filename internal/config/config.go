package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/argisarris/rampctl/internal/control/coordination"
	"github.com/argisarris/rampctl/internal/control/regulator"
	"github.com/argisarris/rampctl/internal/control/signal"
	"github.com/argisarris/rampctl/internal/domain/model"
)

type Config struct {
	Regulator    regulator.Config
	Signal       signal.Config
	Coordination coordination.Config
	Driver       DriverConfig
	Ramps        []model.Ramp
	Sim          SimConfig
	DB           DBConfig
	Redis        RedisConfig
	Server       ServerConfig
	Log          LogConfig
	Tracing      TracingConfig
	Alert        AlertConfig
}

type DriverConfig struct {
	WarmupDuration  time.Duration // simulated time before metering starts
	ControlInterval time.Duration // simulated time between control ticks
	TickFlushEvery  int           // tick records buffered before a DB flush
}

type SimConfig struct {
	RPCURL           string
	Timeout          time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
}

type DBConfig struct {
	URL             string // empty disables the tick audit log
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL          string // empty disables the signal event stream
	Stream       string
	StreamMaxLen int64
}

type ServerConfig struct {
	HealthPort int
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	Endpoint string
	Insecure bool
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Regulator: regulator.Config{
			TargetOccupancy: getEnvFloat("TARGET_OCCUPANCY", 0.20),
			Gain:            getEnvFloat("K_R", 300),
			FlowMin:         getEnvFloat("FLOW_MIN", 0),
			FlowMax:         getEnvFloat("FLOW_MAX", 1800),
		},
		Signal: signal.Config{
			VehicleAcceptanceTime: getEnvFloat("VEHICLE_ACCEPTANCE_TIME_SEC", 2.0),
			CycleDuration:         getEnvFloat("CYCLE_DURATION_SEC", 30),
			RateStep:              getEnvFloat("RATE_STEP", 0.1),
		},
		Driver: DriverConfig{
			WarmupDuration:  time.Duration(getEnvInt("WARMUP_DURATION_SEC", 1000)) * time.Second,
			ControlInterval: time.Duration(getEnvInt("CONTROL_INTERVAL_SEC", 30)) * time.Second,
			TickFlushEvery:  getEnvInt("TICK_FLUSH_EVERY", 20),
		},
		Sim: SimConfig{
			RPCURL:           getEnv("SIM_RPC_URL", "http://localhost:8686/rpc"),
			Timeout:          time.Duration(getEnvInt("SIM_TIMEOUT_SEC", 30)) * time.Second,
			RetryMaxAttempts: getEnvInt("SIM_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   time.Duration(getEnvInt("SIM_RETRY_BASE_DELAY_MS", 200)) * time.Millisecond,
			RateLimitRPS:     getEnvFloat("SIM_RPC_RATE_LIMIT", 100),
			RateLimitBurst:   getEnvInt("SIM_RPC_RATE_BURST", 20),
		},
		DB: DBConfig{
			URL:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			Stream:       getEnv("STREAM_SIGNAL_PLANS", "rampctl:signal_plans"),
			StreamMaxLen: int64(getEnvInt("STREAM_MAX_LEN", 100000)),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Endpoint: getEnv("TRACING_OTLP_ENDPOINT", ""),
			Insecure: getEnvBool("TRACING_INSECURE", true),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
	}

	ramps, err := loadRamps()
	if err != nil {
		return nil, err
	}
	cfg.Ramps = ramps

	coord, err := loadCoordination(ramps)
	if err != nil {
		return nil, err
	}
	cfg.Coordination = coord

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRamps parses RAMPS plus the per-ramp variables. The list order is
// the corridor order, most downstream ramp first.
func loadRamps() ([]model.Ramp, error) {
	names := splitCSV(getEnv("RAMPS", ""))
	if len(names) == 0 {
		return nil, fmt.Errorf("config: RAMPS is required (comma-separated, most downstream first)")
	}

	seen := make(map[string]bool, len(names))
	ramps := make([]model.Ramp, 0, len(names))
	for pos, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("config: ramp %q listed twice in RAMPS", name)
		}
		seen[name] = true

		prefix := "RAMP_" + strings.ToUpper(name) + "_"

		queueMax := getEnvInt(prefix+"QUEUE_MAX", -1)
		if queueMax < 0 {
			return nil, fmt.Errorf("config: %sQUEUE_MAX is required and must be >= 0", prefix)
		}

		sensors := splitCSV(getEnv(prefix+"SENSORS", ""))
		if len(sensors) == 0 {
			return nil, fmt.Errorf("config: %sSENSORS is required (comma-separated lane detectors)", prefix)
		}

		ramps = append(ramps, model.Ramp{
			ID:            model.RampID(name),
			Position:      pos,
			QueueMax:      queueMax,
			SensorIDs:     sensors,
			QueueSensorID: getEnv(prefix+"QUEUE_SENSOR", name+"_queue"),
			SignalID:      getEnv(prefix+"SIGNAL_ID", name),
		})
	}
	return ramps, nil
}

// loadCoordination parses CASCADE_LEVELS entries of the form
// "targetRamp:queueThreshold:minRate", ordered downstream to upstream.
// An empty CASCADE_LEVELS disables coordination.
func loadCoordination(ramps []model.Ramp) (coordination.Config, error) {
	entries := splitCSV(getEnv("CASCADE_LEVELS", ""))
	if len(entries) == 0 {
		return coordination.Config{Enabled: false}, nil
	}

	cfg := coordination.Config{
		Enabled:             true,
		BottleneckRamp:      model.RampID(getEnv("BOTTLENECK_RAMP", "")),
		ActivationThreshold: getEnvFloat("BOTTLENECK_ACTIVATION_THRESHOLD", 0.20),
	}
	if cfg.BottleneckRamp == "" {
		return coordination.Config{}, fmt.Errorf("config: BOTTLENECK_RAMP is required when CASCADE_LEVELS is set")
	}

	for i, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return coordination.Config{}, fmt.Errorf("config: CASCADE_LEVELS entry %d (%q) must be target:queueThreshold:minRate", i+1, entry)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return coordination.Config{}, fmt.Errorf("config: CASCADE_LEVELS entry %d: queue threshold %q is not an integer", i+1, parts[1])
		}
		minRate, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return coordination.Config{}, fmt.Errorf("config: CASCADE_LEVELS entry %d: min rate %q is not a number", i+1, parts[2])
		}
		cfg.Levels = append(cfg.Levels, coordination.CascadeLevel{
			TargetRamp:       model.RampID(strings.TrimSpace(parts[0])),
			QueueThreshold:   threshold,
			ProtectedMinRate: minRate,
		})
	}

	if err := cfg.Validate(ramps); err != nil {
		return coordination.Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := c.Regulator.Validate(); err != nil {
		return err
	}
	if err := c.Signal.Validate(); err != nil {
		return err
	}
	if c.Driver.ControlInterval <= 0 {
		return fmt.Errorf("config: CONTROL_INTERVAL_SEC must be positive")
	}
	if c.Driver.WarmupDuration < 0 {
		return fmt.Errorf("config: WARMUP_DURATION_SEC must not be negative")
	}
	if c.Sim.RPCURL == "" {
		return fmt.Errorf("config: SIM_RPC_URL is required")
	}
	if c.Sim.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: SIM_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
