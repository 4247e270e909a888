package veil

import (
	"fmt"
	"os"
	"time"

	"github.com/df-mc/dragonfly/server/world/chunk"
	"github.com/pelletier/go-toml"
	"golang.org/x/time/rate"
)

// UserConfig is the human-editable configuration document. It is read from and
// written to disk as TOML. Duration fields hold strings in time.ParseDuration
// form ("250ms", "1m"). UserConfig is converted to an immutable Config snapshot
// through Config before use.
type UserConfig struct {
	// Enabled toggles the whole plugin. When false, no packets are touched.
	Enabled bool `toml:"enabled"`
	// Debug enables per-decision debug logging. Toggleable at runtime through
	// the debug command without a reload.
	Debug bool `toml:"debug"`

	Protection struct {
		// ProtectionY is the block level at or above which a player enters the
		// protected state.
		ProtectionY int `toml:"protection-y"`
		// HideBelowY is the block level at or below which content is hidden
		// from protected players.
		HideBelowY int `toml:"hide-below-y"`
		// ReplacementBlock is the block that hidden blocks are rewritten to.
		ReplacementBlock string `toml:"replacement-block"`
		// Worlds is the list of world names the plugin is active in. Players in
		// other worlds are untracked.
		Worlds []string `toml:"worlds"`
		// HiddenEntityTypes is the list of entity type identifiers whose spawn
		// and update packets are suppressed underground. The player type is
		// always included.
		HiddenEntityTypes []string `toml:"hidden-entity-types"`
		// HideChunks and HideEntities toggle the two packet listeners
		// independently.
		HideChunks   bool `toml:"hide-chunks"`
		HideEntities bool `toml:"hide-entities"`
		// ImmediateRefresh requests a full view refresh when a player joins a
		// tracked world, regardless of their initial state.
		ImmediateRefresh bool `toml:"immediate-refresh"`
		// RefreshCooldown is the minimum interval between full view refreshes
		// caused by a player re-entering the protected state.
		RefreshCooldown string `toml:"refresh-cooldown"`
		// ChunkRefreshDelay is how long after leaving protection chunks are
		// resent. EntityRefreshDelay runs after that and re-announces entities.
		ChunkRefreshDelay  string `toml:"chunk-refresh-delay"`
		EntityRefreshDelay string `toml:"entity-refresh-delay"`
		// TeleportDelay is how long an intercepted upward teleport is held back
		// before being re-issued through the safe teleport path.
		TeleportDelay string `toml:"teleport-delay"`
	} `toml:"protection"`

	Cache struct {
		// Enabled toggles RAM caching of visibility decisions. Disabling it
		// only trades speed for memory; decisions are then computed directly.
		Enabled bool `toml:"enabled"`
		// DecisionTTL bounds the staleness of cached visibility decisions.
		DecisionTTL string `toml:"decision-ttl"`
		// MaxDecisions bounds the size of the decision cache.
		MaxDecisions int `toml:"max-decisions"`
		// PlayerMetaTTL, ChunkMetaTTL and EntityPositionTTL size the expiry of
		// the supporting caches.
		PlayerMetaTTL     string `toml:"player-meta-ttl"`
		ChunkMetaTTL      string `toml:"chunk-meta-ttl"`
		EntityPositionTTL string `toml:"entity-position-ttl"`
	} `toml:"cache"`

	Bedrock struct {
		// Optimizations shrinks the effective view radius of detected Bedrock
		// clients by RadiusReduction chunks, floored at MinRadius.
		Optimizations   bool   `toml:"optimizations"`
		RadiusReduction int32  `toml:"radius-reduction"`
		MinRadius       int32  `toml:"min-radius"`
		// NamePrefix marks Bedrock players by name when no bridge API is
		// available.
		NamePrefix string `toml:"name-prefix"`
	} `toml:"bedrock"`

	Refresh struct {
		// ChunksPerSecond caps chunk refresh work across all players. Burst is
		// the number of refreshes that may run back to back.
		ChunksPerSecond int `toml:"chunks-per-second"`
		Burst           int `toml:"burst"`
	} `toml:"refresh"`

	// Admins is the list of player names allowed to use the veil command.
	Admins []string `toml:"admins"`
}

// DefaultConfig returns a UserConfig with sensible defaults.
func DefaultConfig() UserConfig {
	c := UserConfig{Enabled: true}
	c.Protection.ProtectionY = 31
	c.Protection.HideBelowY = 30
	c.Protection.ReplacementBlock = "minecraft:air"
	c.Protection.Worlds = []string{"world"}
	c.Protection.HiddenEntityTypes = []string{
		"minecraft:zombie", "minecraft:skeleton", "minecraft:creeper",
		"minecraft:spider", "minecraft:cave_spider", "minecraft:enderman",
		"minecraft:witch", "minecraft:slime",
	}
	c.Protection.HideChunks = true
	c.Protection.HideEntities = true
	c.Protection.ImmediateRefresh = true
	c.Protection.RefreshCooldown = "10s"
	c.Protection.ChunkRefreshDelay = "250ms"
	c.Protection.EntityRefreshDelay = "500ms"
	c.Protection.TeleportDelay = "50ms"
	c.Cache.Enabled = true
	c.Cache.DecisionTTL = "200ms"
	c.Cache.MaxDecisions = 50000
	c.Cache.PlayerMetaTTL = "100ms"
	c.Cache.ChunkMetaTTL = "5m"
	c.Cache.EntityPositionTTL = "30s"
	c.Bedrock.Optimizations = true
	c.Bedrock.RadiusReduction = 2
	c.Bedrock.MinRadius = 4
	c.Bedrock.NamePrefix = "."
	c.Refresh.ChunksPerSecond = 64
	c.Refresh.Burst = 128
	return c
}

// playerEntityType is unconditionally part of the hidden entity type set.
const playerEntityType = "minecraft:player"

// Config is the immutable runtime snapshot of the configuration. A snapshot is
// replaced atomically on reload; components read whole snapshots, never
// individual live fields, so a reload can never be observed half applied.
type Config struct {
	Enabled bool
	Debug   bool

	ProtectionY          int
	HideBelowY           int
	ReplacementRuntimeID uint32
	AirRuntimeID         uint32
	Worlds               set[string]
	HiddenEntityTypes    set[string]
	HideChunks           bool
	HideEntities         bool
	ImmediateRefresh     bool
	RefreshCooldown      time.Duration
	ChunkRefreshDelay    time.Duration
	EntityRefreshDelay   time.Duration
	TeleportDelay        time.Duration

	CacheEnabled      bool
	DecisionTTL       time.Duration
	MaxDecisions      int
	PlayerMetaTTL     time.Duration
	ChunkMetaTTL      time.Duration
	EntityPositionTTL time.Duration

	BedrockOptimizations bool
	RadiusReduction      int32
	MinRadius            int32
	NamePrefix           string

	RefreshLimit rate.Limit
	RefreshBurst int

	Admins set[string]
}

// Config validates the user configuration and converts it into a runtime
// snapshot. The replacement block name is resolved to a runtime ID once here so
// the packet listeners never touch the block registry.
func (uc UserConfig) Config() (Config, error) {
	conf := Config{
		Enabled:              uc.Enabled,
		Debug:                uc.Debug,
		ProtectionY:          uc.Protection.ProtectionY,
		HideBelowY:           uc.Protection.HideBelowY,
		Worlds:               makeSet(uc.Protection.Worlds),
		HiddenEntityTypes:    makeSet(uc.Protection.HiddenEntityTypes).with(playerEntityType),
		HideChunks:           uc.Protection.HideChunks,
		HideEntities:         uc.Protection.HideEntities,
		ImmediateRefresh:     uc.Protection.ImmediateRefresh,
		CacheEnabled:         uc.Cache.Enabled,
		MaxDecisions:         uc.Cache.MaxDecisions,
		BedrockOptimizations: uc.Bedrock.Optimizations,
		RadiusReduction:      uc.Bedrock.RadiusReduction,
		MinRadius:            uc.Bedrock.MinRadius,
		NamePrefix:           uc.Bedrock.NamePrefix,
		RefreshBurst:         uc.Refresh.Burst,
		Admins:               makeSet(uc.Admins),
	}
	if conf.ProtectionY <= conf.HideBelowY {
		return Config{}, fmt.Errorf("veil: protection-y (%v) must be above hide-below-y (%v)", conf.ProtectionY, conf.HideBelowY)
	}
	if conf.MaxDecisions <= 0 {
		conf.MaxDecisions = 50000
	}
	if conf.MinRadius < 1 {
		conf.MinRadius = 1
	}
	if uc.Refresh.ChunksPerSecond <= 0 {
		conf.RefreshLimit = rate.Inf
	} else {
		conf.RefreshLimit = rate.Limit(uc.Refresh.ChunksPerSecond)
	}
	if conf.RefreshBurst <= 0 {
		conf.RefreshBurst = 1
	}

	durations := []struct {
		src string
		dst *time.Duration
	}{
		{uc.Protection.RefreshCooldown, &conf.RefreshCooldown},
		{uc.Protection.ChunkRefreshDelay, &conf.ChunkRefreshDelay},
		{uc.Protection.EntityRefreshDelay, &conf.EntityRefreshDelay},
		{uc.Protection.TeleportDelay, &conf.TeleportDelay},
		{uc.Cache.DecisionTTL, &conf.DecisionTTL},
		{uc.Cache.PlayerMetaTTL, &conf.PlayerMetaTTL},
		{uc.Cache.ChunkMetaTTL, &conf.ChunkMetaTTL},
		{uc.Cache.EntityPositionTTL, &conf.EntityPositionTTL},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return Config{}, fmt.Errorf("veil: parse duration %q: %w", d.src, err)
		}
		*d.dst = parsed
	}
	if conf.DecisionTTL <= 0 {
		conf.DecisionTTL = 200 * time.Millisecond
	}

	air, ok := chunk.StateToRuntimeID("minecraft:air", nil)
	if !ok {
		return Config{}, fmt.Errorf("veil: air block not registered")
	}
	conf.AirRuntimeID = air
	name := uc.Protection.ReplacementBlock
	if name == "" {
		name = "minecraft:air"
	}
	rid, ok := chunk.StateToRuntimeID(name, nil)
	if !ok {
		return Config{}, fmt.Errorf("veil: unknown replacement block %q", name)
	}
	conf.ReplacementRuntimeID = rid
	return conf, nil
}

// ReadConfig reads the configuration document at path. If the file does not
// exist, a default document is written there first so the file is editable on
// the next run.
func ReadConfig(path string) (UserConfig, error) {
	uc := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, err := toml.Marshal(uc)
		if err != nil {
			return uc, fmt.Errorf("veil: encode default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return uc, fmt.Errorf("veil: write default config: %w", err)
		}
		return uc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return uc, fmt.Errorf("veil: read config: %w", err)
	}
	if err := toml.Unmarshal(data, &uc); err != nil {
		return uc, fmt.Errorf("veil: decode config: %w", err)
	}
	return uc, nil
}
