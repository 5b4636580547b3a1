package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for tether.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Tasks      TasksConfig      `json:"tasks" yaml:"tasks"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host" validate:"required"`
	Port int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=auto text json"`
}

// TasksConfig configures the task registry.
type TasksConfig struct {
	GracePeriod   Duration `json:"grace_period" yaml:"grace_period" validate:"gt=0"`
	PruneSchedule string   `json:"prune_schedule" yaml:"prune_schedule" validate:"required"`
}

// EventsConfig configures the connection event router.
type EventsConfig struct {
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity" validate:"min=1"`
}

// DispatcherConfig configures request classification and timeouts.
type DispatcherConfig struct {
	LongRunning      []string `json:"long_running" yaml:"long_running" validate:"dive,required"`
	TaskTimeout      Duration `json:"task_timeout,omitempty" yaml:"task_timeout,omitempty" validate:"gte=0"`
	ProgressInterval Duration `json:"progress_interval,omitempty" yaml:"progress_interval,omitempty" validate:"gte=0"`
}

// JournalConfig configures the sqlite task journal.
type JournalConfig struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"` // default: $TETHER_PATH/journal.db
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
