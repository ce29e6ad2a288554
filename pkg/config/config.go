package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/spf13/viper"
)

// Store backends
const (
	// BackendBolt keeps records in a local bbolt file. Only one process can
	// open it, so it suits a single host running every resource.
	BackendBolt = "bolt"

	// BackendEtcd keeps records in etcd, shared by every node
	BackendEtcd = "etcd"
)

// EnvPrefix prefixes environment overrides, e.g. INTEGRITY_RESOURCE_NAME
const EnvPrefix = "INTEGRITY"

// Config is the flat property set of an integrity node. Intervals are in
// seconds; -1 disables the behavior.
type Config struct {
	ResourceName     string `mapstructure:"resource.name"`
	SiteName         string `mapstructure:"site.name"`
	NodeType         string `mapstructure:"node.type"`
	DependencyGroups string `mapstructure:"dependency.groups"`

	FPMonitorInterval         float64 `mapstructure:"fp.monitor.interval"`
	FailedCounterThreshold    int     `mapstructure:"failed.counter.threshold"`
	TestTransInterval         float64 `mapstructure:"test.trans.interval"`
	WriteFPCInterval          float64 `mapstructure:"write.fpc.interval"`
	CheckDependencyInterval   float64 `mapstructure:"check.dependency.interval"`
	RefreshStateAuditInterval float64 `mapstructure:"refresh.state.audit.interval"`
	StateAuditInterval        float64 `mapstructure:"state.audit.interval"`
	MaxFPCUpdateInterval      float64 `mapstructure:"max.fpc.update.interval"`

	ProbeEnabled bool    `mapstructure:"probe.enabled"`
	ProbeTimeout float64 `mapstructure:"probe.timeout"`
	ProbeURL     string  `mapstructure:"probe.url"`

	StoreBackend    string   `mapstructure:"store.backend"`
	StorePath       string   `mapstructure:"store.path"`
	EtcdEndpoints   []string `mapstructure:"store.etcd.endpoints"`
	EtcdPrefix      string   `mapstructure:"store.etcd.prefix"`
	EtcdDialTimeout float64  `mapstructure:"store.etcd.dial.timeout"`

	HTTPAddr string `mapstructure:"http.addr"`
	GRPCAddr string `mapstructure:"grpc.addr"`

	LogLevel       string `mapstructure:"log.level"`
	LogJSON        bool   `mapstructure:"log.json"`
	TracingEnabled bool   `mapstructure:"tracing.enabled"`
}

// Load reads the properties file at path (optional) and applies defaults and
// INTEGRITY_* environment overrides
func Load(path string) (*Config, error) {
	// Property names contain dots, so keep them flat
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("properties")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := monitor.DefaultConfig("")

	v.SetDefault("resource.name", "")
	v.SetDefault("site.name", "")
	v.SetDefault("node.type", "")
	v.SetDefault("dependency.groups", "")

	v.SetDefault("fp.monitor.interval", def.CycleInterval.Seconds())
	v.SetDefault("failed.counter.threshold", def.FailedCounterThreshold)
	v.SetDefault("test.trans.interval", def.TestTransInterval.Seconds())
	v.SetDefault("write.fpc.interval", def.WriteFPCInterval.Seconds())
	v.SetDefault("check.dependency.interval", def.CheckDependencyInterval.Seconds())
	v.SetDefault("refresh.state.audit.interval", def.RefreshStateAuditInterval.Seconds())
	v.SetDefault("state.audit.interval", def.StateAuditInterval.Seconds())
	v.SetDefault("max.fpc.update.interval", 0)

	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.timeout", def.ProbeTimeout.Seconds())
	v.SetDefault("probe.url", "")

	v.SetDefault("store.backend", BackendBolt)
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.etcd.endpoints", []string{})
	v.SetDefault("store.etcd.prefix", storage.DefaultEtcdPrefix)
	v.SetDefault("store.etcd.dial.timeout", storage.DefaultDialTimeout.Seconds())
	v.SetDefault("http.addr", "127.0.0.1:9090")
	v.SetDefault("grpc.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("tracing.enabled", false)
}

// Validate checks the properties
func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendBolt:
		if c.StorePath == "" {
			return fmt.Errorf("store.path is required")
		}
		c.StorePath = filepath.Clean(c.StorePath)
	case BackendEtcd:
		var endpoints []string
		for _, ep := range c.EtcdEndpoints {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		if len(endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints is required for the etcd backend")
		}
		c.EtcdEndpoints = endpoints
	default:
		return fmt.Errorf("unknown store.backend %q (want %s or %s)", c.StoreBackend, BackendBolt, BackendEtcd)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if err := c.MonitorConfig().Validate(); err != nil {
		return fmt.Errorf("invalid monitor properties: %w", err)
	}
	return nil
}

// OpenStore opens the record store selected by store.backend
func (c *Config) OpenStore() (storage.Store, error) {
	if c.StoreBackend == BackendEtcd {
		return storage.NewEtcdStore(storage.EtcdStoreOptions{
			Endpoints:   c.EtcdEndpoints,
			Prefix:      c.EtcdPrefix,
			DialTimeout: seconds(c.EtcdDialTimeout),
		})
	}
	if err := os.MkdirAll(c.StorePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %v", err)
	}
	return storage.NewBoltStore(c.StorePath)
}

// MonitorConfig converts the properties into a monitor configuration
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		ResourceName:              c.ResourceName,
		Site:                      c.SiteName,
		NodeType:                  c.NodeType,
		ProbeURL:                  c.ProbeURL,
		DependencyGroups:          c.DependencyGroups,
		CycleInterval:             seconds(c.FPMonitorInterval),
		FailedCounterThreshold:    c.FailedCounterThreshold,
		TestTransInterval:         seconds(c.TestTransInterval),
		WriteFPCInterval:          seconds(c.WriteFPCInterval),
		CheckDependencyInterval:   seconds(c.CheckDependencyInterval),
		RefreshStateAuditInterval: seconds(c.RefreshStateAuditInterval),
		StateAuditInterval:        seconds(c.StateAuditInterval),
		MaxStaleInterval:          seconds(c.MaxFPCUpdateInterval),
		ProbeDependencies:         c.ProbeEnabled,
		ProbeTimeout:              seconds(c.ProbeTimeout),
	}
}

// LogConfig returns the logger configuration
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(strings.ToLower(c.LogLevel)),
		JSONOutput: c.LogJSON,
	}
}

// seconds converts a property value; any negative value disables
func seconds(s float64) time.Duration {
	if s < 0 {
		return monitor.Disabled
	}
	return time.Duration(math.Round(s * float64(time.Second)))
}
