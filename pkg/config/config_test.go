package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/integrity/internal/testutil"
	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/cuemby/integrity/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProperties(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Properties(t *testing.T) {
	path := writeProperties(t, "integrity.properties", `
resource.name=pdp-1
site.name=site_1
node.type=pdp
dependency.groups=pap-1,pap-2;pap-3
fp.monitor.interval=2
failed.counter.threshold=4
test.trans.interval=-1
write.fpc.interval=0.5
state.audit.interval=30
probe.enabled=true
probe.timeout=1.5
probe.url=grpc://10.0.0.7:9090/integrity
store.path=/var/lib/integrity/
log.level=DEBUG
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pdp-1", cfg.ResourceName)
	assert.Equal(t, "/var/lib/integrity", cfg.StorePath)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr, "defaults fill unset keys")

	mc := cfg.MonitorConfig()
	assert.Equal(t, "site_1", mc.Site)
	assert.Equal(t, "pdp", mc.NodeType)
	assert.Equal(t, "pap-1,pap-2;pap-3", mc.DependencyGroups)
	assert.Equal(t, 2*time.Second, mc.CycleInterval)
	assert.Equal(t, 4, mc.FailedCounterThreshold)
	assert.Equal(t, monitor.Disabled, mc.TestTransInterval)
	assert.Equal(t, 500*time.Millisecond, mc.WriteFPCInterval)
	assert.Equal(t, 30*time.Second, mc.StateAuditInterval)
	assert.Equal(t, 10*time.Minute, mc.RefreshStateAuditInterval)
	assert.True(t, mc.ProbeDependencies)
	assert.Equal(t, 1500*time.Millisecond, mc.ProbeTimeout)
	assert.Equal(t, "grpc://10.0.0.7:9090/integrity", mc.ProbeURL)

	assert.Equal(t, log.DebugLevel, cfg.LogConfig().Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeProperties(t, "integrity.properties", "resource.name=pdp-1\n")
	t.Setenv("INTEGRITY_RESOURCE_NAME", "pdp-2")
	t.Setenv("INTEGRITY_CHECK_DEPENDENCY_INTERVAL", "-1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pdp-2", cfg.ResourceName)
	assert.Equal(t, monitor.Disabled, cfg.MonitorConfig().CheckDependencyInterval)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("INTEGRITY_RESOURCE_NAME", "pdp-1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, monitor.DefaultConfig("pdp-1"), cfg.MonitorConfig())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing resource name", "site.name=site_1\n"},
		{"zero tick", "resource.name=pdp-1\nfp.monitor.interval=0\n"},
		{"zero threshold", "resource.name=pdp-1\nfailed.counter.threshold=0\n"},
		{"malformed groups", "resource.name=pdp-1\ndependency.groups=pap-1,,pap-2\n"},
		{"unknown backend", "resource.name=pdp-1\nstore.backend=consul\n"},
		{"etcd without endpoints", "resource.name=pdp-1\nstore.backend=etcd\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeProperties(t, "integrity.properties", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.properties"))
	assert.Error(t, err)
}

func TestLoad_EtcdBackend(t *testing.T) {
	path := writeProperties(t, "integrity.properties", `
resource.name=pdp-1
store.backend=ETCD
store.etcd.endpoints=10.0.0.1:2379, 10.0.0.2:2379
store.etcd.prefix=/site_1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendEtcd, cfg.StoreBackend)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "/site_1", cfg.EtcdPrefix)
	assert.Equal(t, storage.DefaultDialTimeout.Seconds(), cfg.EtcdDialTimeout)
}

func TestOpenStore(t *testing.T) {
	t.Run("bolt", func(t *testing.T) {
		t.Setenv("INTEGRITY_RESOURCE_NAME", "pdp-1")
		t.Setenv("INTEGRITY_STORE_PATH", filepath.Join(t.TempDir(), "nested"))

		cfg, err := Load("")
		require.NoError(t, err)
		store, err := cfg.OpenStore()
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &storage.BoltStore{}, store)
		assert.NoError(t, store.Ping())
	})

	t.Run("etcd", func(t *testing.T) {
		cluster := testutil.StartEmbeddedEtcd(t)
		t.Setenv("INTEGRITY_RESOURCE_NAME", "pdp-1")
		t.Setenv("INTEGRITY_STORE_BACKEND", "etcd")
		t.Setenv("INTEGRITY_STORE_ETCD_ENDPOINTS", strings.Join(cluster.Endpoints, ","))

		cfg, err := Load("")
		require.NoError(t, err)
		store, err := cfg.OpenStore()
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &storage.EtcdStore{}, store)
		assert.NoError(t, store.Ping())
	})
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, monitor.Disabled, seconds(-1))
	assert.Equal(t, monitor.Disabled, seconds(-30))
	assert.Equal(t, time.Duration(0), seconds(0))
	assert.Equal(t, 250*time.Millisecond, seconds(0.25))
}
