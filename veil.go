// Package veil conceals underground terrain and entities from players who
// could otherwise scout it from the surface. Outgoing packets addressed to a
// protected player are rewritten on the fly: blocks below the configured level
// are replaced before the chunk leaves the server, and entity spawns in the
// hidden zone are suppressed until the player legitimately descends. The
// client of a protected player never receives the data, so no client-side
// tooling can recover it.
package veil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pelletier/go-toml"
)

// Options configures a Plugin.
type Options struct {
	// ConfigPath is the TOML configuration file. Missing files are created
	// with defaults. Defaults to "veil.toml".
	ConfigPath string
	// Capabilities is the host capability declaration from startup
	// negotiation.
	Capabilities Capabilities
	// Logger receives the plugin's log records. Defaults to slog.Default().
	Logger *slog.Logger
}

// Plugin is the assembled service. One Plugin serves one host server; create
// it once at startup and hand its Interceptor the outgoing packet stream.
type Plugin struct {
	log  *slog.Logger
	host Host
	path string
	caps Capabilities

	// conf is the active configuration snapshot, replaced wholesale on reload
	// and by the admin commands.
	conf atomic.Pointer[Config]

	// mu guards user, the editable document mirrored to disk.
	mu   sync.Mutex
	user UserConfig

	cache       *VisibilityCache
	detector    *BedrockDetector
	exec        Executor
	tracker     *Tracker
	chunks      *ChunkListener
	entities    *EntityListener
	interceptor *Interceptor

	closed atomic.Bool
}

// New reads the configuration and assembles the plugin against the given
// host.
func New(host Host, opts Options) (*Plugin, error) {
	if host == nil {
		return nil, errors.New("veil: host is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	path := opts.ConfigPath
	if path == "" {
		path = "veil.toml"
	}

	uc, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	conf, err := uc.Config()
	if err != nil {
		return nil, err
	}

	p := &Plugin{log: log, host: host, path: path, caps: opts.Capabilities.normalized(), user: uc}
	p.conf.Store(&conf)

	p.cache = NewVisibilityCache(&p.conf, log)
	p.detector = NewBedrockDetector(&p.conf, p.caps, log)
	p.exec = NewExecutor(p.caps, host, log)
	p.tracker = NewTracker(&p.conf, p.cache, p.detector, p.exec, host, log)
	p.chunks = NewChunkListener(&p.conf, p.cache, host, log)
	p.entities = NewEntityListener(&p.conf, p.cache, host, log)
	p.interceptor = NewInterceptor(&p.conf, log, p.chunks, p.entities)

	log.Info("veil enabled",
		"worlds", uc.Protection.Worlds,
		"protection-y", conf.ProtectionY,
		"hide-below-y", conf.HideBelowY,
		"partitioned", p.caps.Partitioned)
	return p, nil
}

// Interceptor returns the packet interceptor to install on the outgoing
// packet path.
func (p *Plugin) Interceptor() *Interceptor { return p.interceptor }

// Tracker returns the protection state machine to feed movement events.
func (p *Plugin) Tracker() *Tracker { return p.tracker }

// Detector returns the Bedrock client detector.
func (p *Plugin) Detector() *BedrockDetector { return p.detector }

// Config returns the active configuration snapshot.
func (p *Plugin) Config() *Config { return p.conf.Load() }

// Admin reports whether the named player may use the administrative commands.
func (p *Plugin) Admin(name string) bool {
	c := p.conf.Load()
	return c != nil && c.Admins.contains(name)
}

// SetDebug flips debug logging at runtime without a reload. The change is not
// persisted.
func (p *Plugin) SetDebug(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user.Debug = on
	p.reapplyLocked(false)
}

// AddWorld adds a world to the tracked set and persists the change.
func (p *Plugin) AddWorld(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.user.Protection.Worlds {
		if w == name {
			return fmt.Errorf("veil: world %q already tracked", name)
		}
	}
	p.user.Protection.Worlds = append(p.user.Protection.Worlds, name)
	return p.reapplyLocked(true)
}

// RemoveWorld removes a world from the tracked set and persists the change.
// Players in that world become untracked on their next movement.
func (p *Plugin) RemoveWorld(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	worlds := p.user.Protection.Worlds[:0]
	found := false
	for _, w := range p.user.Protection.Worlds {
		if w == name {
			found = true
			continue
		}
		worlds = append(worlds, w)
	}
	if !found {
		return fmt.Errorf("veil: world %q not tracked", name)
	}
	p.user.Protection.Worlds = worlds
	return p.reapplyLocked(true)
}

// Worlds returns the tracked world names.
func (p *Plugin) Worlds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.user.Protection.Worlds...)
}

// Reload re-reads the configuration file and swaps in a new snapshot. The
// caches are emptied so no decision from the old configuration survives.
func (p *Plugin) Reload() error {
	uc, err := ReadConfig(p.path)
	if err != nil {
		return err
	}
	conf, err := uc.Config()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.user = uc
	p.mu.Unlock()

	p.conf.Store(&conf)
	p.tracker.ApplyConfig(&conf)
	p.cache.InvalidateAll()
	p.detector.Reset()
	p.log.Info("configuration reloaded", "worlds", uc.Protection.Worlds)
	return nil
}

// reapplyLocked rebuilds the snapshot from the edited document and optionally
// writes the document back to disk. Caller must hold mu.
func (p *Plugin) reapplyLocked(persist bool) error {
	conf, err := p.user.Config()
	if err != nil {
		return err
	}
	p.conf.Store(&conf)
	p.tracker.ApplyConfig(&conf)
	if !persist {
		return nil
	}
	data, err := toml.Marshal(p.user)
	if err != nil {
		return fmt.Errorf("veil: encode config: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0644); err != nil {
		return fmt.Errorf("veil: write config: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the runtime counters.
func (p *Plugin) Stats() Stats {
	chunks, blocks, failures := p.chunks.Stats()
	return Stats{
		Decisions:      p.cache.Stats(),
		ChunksVeiled:   chunks,
		BlocksHidden:   blocks,
		DecodeFailures: failures,
		EntitiesHidden: p.entities.Stats(),
		TrackedPlayers: p.tracker.TrackedPlayers(),
	}
}

// Close releases all background resources. The plugin must not be used after
// Close.
func (p *Plugin) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.exec.Close()
	p.tracker.Close()
	p.cache.Close()
	p.log.Info("veil disabled")
}
