package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/anvil/pkg/controllers"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/types"
)

const scenario = `
seed: 42
faultRate: 0.25
tickDuration: 5ms
log:
  level: debug
faults:
  crash: [rabbitmq]
  drop: true
  window: 100
backoff:
  base: 20ms
  max: 2s
controllers: [rabbitmq]
resources:
  - kind: RabbitmqCluster
    metadata:
      name: mq
    spec:
      replicas: 3
      image: rabbitmq:3.12
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(scenario))
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 0.25, cfg.FaultRate)
	assert.Equal(t, 5*time.Millisecond, cfg.TickDuration)
	assert.Equal(t, 20*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Max)
	assert.Equal(t, []string{"rabbitmq"}, cfg.Controllers)
	assert.True(t, cfg.CheckInvariants)

	// defaults
	assert.Equal(t, uint64(DefaultMaxTicks), cfg.MaxTicks)
	assert.Equal(t, uint64(DefaultStableTicks), cfg.StableTicks)
	assert.Equal(t, uint64(DefaultFairnessBound), cfg.FairnessBound)
	assert.Equal(t, "default", cfg.Resources[0].Metadata.Namespace)
	assert.Equal(t, log.DebugLevel, cfg.LogConfig().Level)
}

func TestObjectsEncodeSpecAsJSON(t *testing.T) {
	cfg, err := Parse([]byte(scenario))
	require.NoError(t, err)

	objs, err := cfg.Objects()
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, types.NewRef(types.KindRabbitmqCluster, "default", "mq"), objs[0].Ref())

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(objs[0].Spec, &spec))
	assert.Equal(t, float64(3), spec["replicas"])
	assert.Equal(t, "rabbitmq:3.12", spec["image"])
}

func TestClusterOptions(t *testing.T) {
	cfg, err := Parse([]byte(scenario))
	require.NoError(t, err)

	opts, err := cfg.ClusterOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(42), opts.Seed)
	assert.Equal(t, []string{"rabbitmq"}, opts.Faults.Crash)
	assert.True(t, opts.Faults.Drop)
	assert.Equal(t, uint64(100), opts.Faults.Window)
	assert.Len(t, opts.Objects, 1)

	sim := cfg.SimulatorConfig()
	assert.Equal(t, int64(42), sim.Seed)
	assert.Equal(t, 0.25, sim.FaultRate)
	assert.True(t, sim.CheckInvariants)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, controllers.Names(), cfg.Controllers)
	assert.Equal(t, DefaultTickDuration, cfg.TickDuration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name:   "fault rate above one",
			mutate: func(c *Config) { c.FaultRate = 1.5 },
			want:   "faultRate",
		},
		{
			name:   "unknown controller",
			mutate: func(c *Config) { c.Controllers = []string{"nginx"} },
			want:   `unknown controller "nginx"`,
		},
		{
			name: "crash of an undeployed controller",
			mutate: func(c *Config) {
				c.Controllers = []string{"simple"}
				c.Faults.Crash = []string{"rabbitmq"}
			},
			want: "not deployed",
		},
		{
			name:   "pod monkey without namespaces",
			mutate: func(c *Config) { c.Faults.PodMonkey = true },
			want:   "podMonkeyNamespaces",
		},
		{
			name:   "backoff base above max",
			mutate: func(c *Config) { c.Backoff.Base = time.Minute },
			want:   "backoff base",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			want:   "log level",
		},
		{
			name: "unknown resource kind",
			mutate: func(c *Config) {
				c.Resources = []Resource{{Kind: "Deployment", Metadata: ResourceMetadata{Name: "x"}}}
			},
			want: `unknown kind "Deployment"`,
		},
		{
			name: "unnamed resource",
			mutate: func(c *Config) {
				c.Resources = []Resource{{Kind: string(types.KindSimpleCR)}}
			},
			want: "name or generateName",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.FaultRate = -1
	cfg.Controllers = []string{"nginx"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faultRate")
	assert.Contains(t, err.Error(), "nginx")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Seed)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("seed: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse config")
}
