// Package config loads simulation scenarios from YAML.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/anvil/pkg/cluster"
	"github.com/cuemby/anvil/pkg/controllers"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/simulator"
	"github.com/cuemby/anvil/pkg/types"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultMaxTicks      = 10000
	DefaultStableTicks   = 200
	DefaultFairnessBound = 50
	DefaultTickDuration  = 10 * time.Millisecond
	DefaultBaseDelay     = 10 * time.Millisecond
	DefaultMaxDelay      = time.Second
)

// Config is a simulation scenario
type Config struct {
	Seed            int64         `yaml:"seed"`
	MaxTicks        uint64        `yaml:"maxTicks"`
	StableTicks     uint64        `yaml:"stableTicks"`
	FairnessBound   uint64        `yaml:"fairnessBound"`
	FaultRate       float64       `yaml:"faultRate"`
	TickDuration    time.Duration `yaml:"tickDuration"`
	RequeueOnDone   bool          `yaml:"requeueOnDone"`
	CheckInvariants bool          `yaml:"checkInvariants"`
	// DataDir holds the controller state database and the etcd Raft log.
	// Empty keeps everything in memory.
	DataDir     string     `yaml:"dataDir"`
	Log         LogConfig  `yaml:"log"`
	Etcd        EtcdConfig `yaml:"etcd"`
	Faults      Faults     `yaml:"faults"`
	Backoff     Backoff    `yaml:"backoff"`
	Controllers []string   `yaml:"controllers"`
	Resources   []Resource `yaml:"resources"`
}

// LogConfig selects the log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// EtcdConfig selects the object store
type EtcdConfig struct {
	// Replicated routes etcd writes through a single-node Raft group
	Replicated bool `yaml:"replicated"`
}

// Faults selects fault injectors
type Faults struct {
	Crash               []string `yaml:"crash"`
	Drop                bool     `yaml:"drop"`
	Busy                bool     `yaml:"busy"`
	PodMonkey           bool     `yaml:"podMonkey"`
	PodMonkeyNamespaces []string `yaml:"podMonkeyNamespaces"`
	Window              uint64   `yaml:"window"`
}

// Backoff bounds the requeue delay of failed passes
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// Resource is an object created before the simulation starts
type Resource struct {
	Kind     string                 `yaml:"kind"`
	Metadata ResourceMetadata       `yaml:"metadata"`
	Spec     map[string]interface{} `yaml:"spec"`
}

// ResourceMetadata names a resource
type ResourceMetadata struct {
	Name         string            `yaml:"name"`
	GenerateName string            `yaml:"generateName"`
	Namespace    string            `yaml:"namespace"`
	Labels       map[string]string `yaml:"labels,omitempty"`
	Finalizers   []string          `yaml:"finalizers,omitempty"`
}

// Default returns a scenario running every controller without faults
func Default() *Config {
	cfg := &Config{CheckInvariants: true}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.MaxTicks == 0 {
		c.MaxTicks = DefaultMaxTicks
	}
	if c.StableTicks == 0 {
		c.StableTicks = DefaultStableTicks
	}
	if c.FairnessBound == 0 {
		c.FairnessBound = DefaultFairnessBound
	}
	if c.TickDuration == 0 {
		c.TickDuration = DefaultTickDuration
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = DefaultBaseDelay
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = DefaultMaxDelay
	}
	if c.Log.Level == "" {
		c.Log.Level = string(log.InfoLevel)
	}
	if len(c.Controllers) == 0 {
		c.Controllers = controllers.Names()
	}
	for i := range c.Resources {
		if c.Resources[i].Metadata.Namespace == "" {
			c.Resources[i].Metadata.Namespace = "default"
		}
	}
}

// Load reads and validates a scenario file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a scenario
func Parse(data []byte) (*Config, error) {
	cfg := &Config{CheckInvariants: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the scenario at once
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if c.FaultRate < 0 || c.FaultRate > 1 {
		fail("faultRate %v outside [0, 1]", c.FaultRate)
	}
	if c.TickDuration < 0 {
		fail("tickDuration must be positive")
	}
	if c.Backoff.Base > c.Backoff.Max {
		fail("backoff base %s exceeds max %s", c.Backoff.Base, c.Backoff.Max)
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		fail("unknown log level %q", c.Log.Level)
	}

	known := controllers.Names()
	for _, id := range c.Controllers {
		if !slices.Contains(known, id) {
			fail("unknown controller %q", id)
		}
	}
	for _, id := range c.Faults.Crash {
		if !slices.Contains(c.Controllers, id) {
			fail("crash fault for %q, which is not deployed", id)
		}
	}
	if c.Faults.PodMonkey && len(c.Faults.PodMonkeyNamespaces) == 0 {
		fail("podMonkey needs podMonkeyNamespaces")
	}

	for i, r := range c.Resources {
		if !types.Kind(r.Kind).Valid() {
			fail("resources[%d]: unknown kind %q", i, r.Kind)
		}
		if r.Metadata.Name == "" && r.Metadata.GenerateName == "" {
			fail("resources[%d]: name or generateName required", i)
		}
	}
	return result.ErrorOrNil()
}

// Objects converts the resources into objects, with YAML specs re-encoded
// as JSON
func (c *Config) Objects() ([]*types.Object, error) {
	out := make([]*types.Object, 0, len(c.Resources))
	for i, r := range c.Resources {
		spec := r.Spec
		if spec == nil {
			spec = map[string]interface{}{}
		}
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("resources[%d]: failed to encode spec: %w", i, err)
		}
		out = append(out, &types.Object{
			Kind: types.Kind(r.Kind),
			Metadata: types.Metadata{
				Name:         r.Metadata.Name,
				GenerateName: r.Metadata.GenerateName,
				Namespace:    r.Metadata.Namespace,
				Labels:       r.Metadata.Labels,
				Finalizers:   r.Metadata.Finalizers,
			},
			Spec: raw,
		})
	}
	return out, nil
}

// ClusterOptions returns the cluster options of the scenario. The caller
// supplies the controller state store and the etcd backend.
func (c *Config) ClusterOptions() (cluster.Options, error) {
	objs, err := c.Objects()
	if err != nil {
		return cluster.Options{}, err
	}
	return cluster.Options{
		Seed:          c.Seed,
		TickDuration:  c.TickDuration,
		BaseDelay:     c.Backoff.Base,
		MaxDelay:      c.Backoff.Max,
		RequeueOnDone: c.RequeueOnDone,
		Faults: cluster.Faults{
			Crash:     c.Faults.Crash,
			Drop:      c.Faults.Drop,
			Busy:      c.Faults.Busy,
			PodMonkey: c.Faults.PodMonkey,
			Window:    c.Faults.Window,
		},
		PodMonkeyNamespaces: c.Faults.PodMonkeyNamespaces,
		Objects:             objs,
	}, nil
}

// SimulatorConfig returns the simulator settings of the scenario
func (c *Config) SimulatorConfig() simulator.Config {
	return simulator.Config{
		Seed:            c.Seed,
		MaxTicks:        c.MaxTicks,
		StableTicks:     c.StableTicks,
		FairnessBound:   c.FairnessBound,
		FaultRate:       c.FaultRate,
		CheckInvariants: c.CheckInvariants,
	}
}

// LogConfig returns the logger settings of the scenario
func (c *Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON}
}
