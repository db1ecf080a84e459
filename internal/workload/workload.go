// Package workload is the built-in application: every configuration
// describes a process that dim keeps running on exactly one node.
package workload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/dim/pkg/api"
)

var ErrExited = errors.New("process exited")

// Spec is the decoded form of a configuration.
type Spec struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

// Decode reads a Spec out of a configuration.
func Decode(cfg api.Configuration) (Spec, error) {
	raw, err := yaml.Marshal(map[string]any(cfg))
	if err != nil {
		return Spec{}, err
	}
	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("decode configuration: %w", err)
	}
	if s.Command == "" {
		return Spec{}, fmt.Errorf("configuration %q: command required", s.Name)
	}
	if s.Name == "" {
		s.Name = s.Command
	}
	return s, nil
}

// Process is a running instance.
type Process struct {
	Spec    Spec
	Started time.Time

	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Exited reports whether the process has ended, and how.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.err
	default:
		return false, nil
	}
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Manager starts, probes and stops processes. Desired configurations are
// read from a YAML list on every call.
type Manager struct {
	path  string
	grace time.Duration
}

// New creates a manager reading configurations from path. Processes get
// grace to exit after SIGTERM before they are killed.
func New(path string, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{path: path, grace: grace}
}

// LoadConfigurations reads a YAML (or JSON) list of configurations.
func LoadConfigurations(path string) ([]api.Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configurations: %w", err)
	}
	var cfgs []api.Configuration
	if err := yaml.Unmarshal(b, &cfgs); err != nil {
		return nil, fmt.Errorf("parse configurations %s: %w", path, err)
	}
	return cfgs, nil
}

func (m *Manager) DesiredConfigurations(context.Context) ([]api.Configuration, error) {
	if m.path == "" {
		return nil, nil
	}
	return LoadConfigurations(m.path)
}

func (m *Manager) CreateInstance(_ context.Context, cfg api.Configuration) (api.Instance, error) {
	spec, err := Decode(cfg)
	if err != nil {
		return nil, err
	}
	// not bound to the request context: the process outlives the call
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &Process{Spec: spec, Started: time.Now(), cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		log.Info().Str("instance", spec.Name).Int("pid", cmd.Process.Pid).AnErr("exit", err).Msg("Process exited")
	}()
	log.Info().Str("instance", spec.Name).Int("pid", cmd.Process.Pid).Msg("Process started")
	return p, nil
}

func (m *Manager) ProbeInstance(_ context.Context, inst api.Instance) error {
	p, ok := inst.(*Process)
	if !ok {
		return fmt.Errorf("unexpected instance %T", inst)
	}
	if exited, err := p.Exited(); exited {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExited, err)
		}
		return ErrExited
	}
	return nil
}

// DisconnectInstance sends SIGTERM, waits for the grace period, then kills.
func (m *Manager) DisconnectInstance(ctx context.Context, inst api.Instance) error {
	p, ok := inst.(*Process)
	if !ok {
		return fmt.Errorf("unexpected instance %T", inst)
	}
	if exited, _ := p.Exited(); exited {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Str("instance", p.Spec.Name).Msg("SIGTERM failed, killing")
		return m.kill(p)
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	log.Warn().Str("instance", p.Spec.Name).Dur("grace", m.grace).Msg("Process did not exit, killing")
	return m.kill(p)
}

func (m *Manager) kill(p *Process) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.Spec.Name, err)
	}
	<-p.done
	return nil
}
