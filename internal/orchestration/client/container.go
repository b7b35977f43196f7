package client

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/legion/internal/log"
)

// Environment variables published to the adapter in container mode.
const (
	EnvDockerImage       = "CLAUDE_DOCKER_IMAGE"
	EnvDockerExtraMounts = "CLAUDE_DOCKER_EXTRA_MOUNTS"
	EnvDockerWorkspace   = "CLAUDE_DOCKER_WORKSPACE"
)

// probeTimeout bounds each container-platform CLI invocation.
const probeTimeout = 10 * time.Second

// ContainerConfig describes the sandboxed execution wrapper.
type ContainerConfig struct {
	Image       string
	ExtraMounts []string
	Workspace   string
	WrapperPath string
}

// Env renders the three environment variables the wrapper consumes.
func (c ContainerConfig) Env() []string {
	return []string{
		EnvDockerImage + "=" + c.Image,
		EnvDockerExtraMounts + "=" + strings.Join(c.ExtraMounts, ","),
		EnvDockerWorkspace + "=" + c.Workspace,
	}
}

// ProbeResult reports container-platform readiness.
type ProbeResult struct {
	Available     bool   `json:"available"`
	Version       string `json:"version"`
	ImageExists   bool   `json:"image_exists"`
	WrapperExists bool   `json:"wrapper_exists"`
}

// CommandFactoryFunc creates an exec.Cmd; injectable for tests.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Prober checks whether container mode can run on this host.
type Prober struct {
	cfg            ContainerConfig
	commandFactory CommandFactoryFunc
}

// NewProber creates a prober for the given container config.
func NewProber(cfg ContainerConfig) *Prober {
	return &Prober{cfg: cfg, commandFactory: exec.CommandContext}
}

// WithCommandFactory overrides command creation for tests.
func (p *Prober) WithCommandFactory(factory CommandFactoryFunc) *Prober {
	p.commandFactory = factory
	return p
}

// Probe invokes the container-platform CLI to report availability, version,
// and whether the configured image and wrapper exist. Each invocation is
// bounded by a 10s timeout; failures degrade to false, never an error.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	var result ProbeResult

	out, err := p.run(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		log.Debug(log.CatClient, "Container platform unavailable", "error", err.Error())
		result.WrapperExists = p.wrapperExists()
		return result
	}
	result.Available = true
	result.Version = strings.TrimSpace(string(out))

	if p.cfg.Image != "" {
		if _, err := p.run(ctx, "docker", "image", "inspect", p.cfg.Image); err == nil {
			result.ImageExists = true
		}
	}
	result.WrapperExists = p.wrapperExists()

	return result
}

func (p *Prober) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return p.commandFactory(ctx, name, args...).Output()
}

func (p *Prober) wrapperExists() bool {
	if p.cfg.WrapperPath == "" {
		return false
	}
	info, err := os.Stat(p.cfg.WrapperPath)
	return err == nil && !info.IsDir()
}
