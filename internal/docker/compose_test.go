package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/metaworkspace/internal/config"
	"github.com/christopherjohns/metaworkspace/internal/room"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Volumes     []string       `yaml:"volumes"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	// From internal/docker/ go up 2 levels to the module root.
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	require.NoError(t, err, "read docker-compose.yml")
	var compose ComposeFile
	require.NoError(t, yaml.Unmarshal(data, &compose), "parse docker-compose.yml")
	return compose
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func TestDockerComposeHasAllServices(t *testing.T) {
	compose := readCompose(t)

	assert.Len(t, compose.Services, 3)
	for _, name := range []string{"server", "postgres", "redis"} {
		assert.Contains(t, compose.Services, name)
	}
}

func TestServerService(t *testing.T) {
	server := readCompose(t).Services["server"]

	require.NotNil(t, server.Build)
	assert.Equal(t, ".", server.Build.Context)
	assert.Contains(t, server.Ports, "8080:8080")
	assert.Contains(t, server.DependsOn, "postgres")
	assert.Contains(t, server.DependsOn, "redis")
	require.NotNil(t, server.Healthcheck)
	assert.Contains(t, strings.Join(server.Healthcheck.Test, " "), "/health")

	env := envMap(server.Environment)
	assert.Equal(t, "redis:6379", env["METAWORKSPACE_REDIS_ADDR"])
	assert.Equal(t, config.DriverPostgres, env["METAWORKSPACE_DATABASE_DRIVER"])
	assert.Contains(t, env["METAWORKSPACE_DATABASE_DSN"], "host=postgres")
}

// The compose environment must produce a configuration the server accepts.
func TestServerEnvironmentLoads(t *testing.T) {
	server := readCompose(t).Services["server"]
	for k, v := range envMap(server.Environment) {
		t.Setenv(k, v)
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestRedisService(t *testing.T) {
	redis := readCompose(t).Services["redis"]

	assert.True(t, strings.HasPrefix(redis.Image, "redis:"), "image %s", redis.Image)
	assert.Contains(t, redis.Ports, "6379:6379")
	assert.NotNil(t, redis.Healthcheck)
	assert.Contains(t, redis.Command, "--maxmemory")
	assert.Contains(t, redis.Command, "--maxmemory-policy")
}

func TestPostgresService(t *testing.T) {
	pg := readCompose(t).Services["postgres"]

	assert.True(t, strings.HasPrefix(pg.Image, "postgres:"), "image %s", pg.Image)
	assert.NotNil(t, pg.Healthcheck)
	env := envMap(pg.Environment)
	assert.Equal(t, "metaworkspace", env["POSTGRES_DB"])
}

func TestVolumesDefined(t *testing.T) {
	compose := readCompose(t)
	for _, name := range []string{"postgres-data", "redis-data"} {
		assert.Contains(t, compose.Volumes, name)
	}
}

func TestRestartPolicies(t *testing.T) {
	for name, svc := range readCompose(t).Services {
		assert.Equal(t, "unless-stopped", svc.Restart, "service %s", name)
	}
}

func TestAllServicesOnNetwork(t *testing.T) {
	compose := readCompose(t)
	net, ok := compose.Networks["metaworkspace"]
	require.True(t, ok, "metaworkspace network should be defined at the top level")
	assert.Equal(t, "bridge", net.Driver)

	for name, svc := range compose.Services {
		assert.Contains(t, svc.Networks, "metaworkspace", "service %s", name)
	}
}

func TestDockerfileContent(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), "Dockerfile"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "FROM golang:")
	assert.Contains(t, content, "AS builder")
	assert.Contains(t, content, "EXPOSE 8080")
	assert.Contains(t, content, "./cmd/server")
}

// Every file the build copies from the context must exist in the repository.
func TestDockerfileCopySourcesExist(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), "Dockerfile"))
	require.NoError(t, err)

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "COPY" || strings.HasPrefix(fields[1], "--from") {
			continue
		}
		for _, src := range fields[1 : len(fields)-1] {
			matches, err := filepath.Glob(filepath.Join(projectRoot(), src))
			require.NoError(t, err, src)
			assert.NotEmpty(t, matches, "COPY source %q not found", src)
		}
	}
}

func TestDockerignore(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), ".dockerignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".git")
	assert.Contains(t, string(data), "_examples")
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := config.Load(filepath.Join(projectRoot(), "deploy", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "deploy/rooms.yaml", cfg.Rooms.CatalogFile)
}

func TestRoomCatalogLoads(t *testing.T) {
	m := room.NewManager()
	require.NoError(t, m.LoadFile(filepath.Join(projectRoot(), "deploy", "rooms.yaml")))

	catalog := m.Catalog()
	require.NotEmpty(t, catalog)
	focus := m.Get("focus")
	require.NotNil(t, focus)
	assert.Equal(t, 4, focus.MaxParticipants)
}
