package veil

import (
	"strings"

	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
)

// RegisterCommands registers the veil admin command with the global command
// registry. Only the console and configured admins may run it.
func RegisterCommands(p *Plugin) {
	cmd.Register(cmd.New("veil", "Manages underground concealment.", nil,
		debugCommand{plugin: p},
		reloadCommand{plugin: p},
		worldAddCommand{plugin: p},
		worldRemoveCommand{plugin: p},
		worldListCommand{plugin: p},
		statsCommand{plugin: p},
		testCommand{plugin: p},
	))
}

// allow gates the command to the console and configured admins.
func (p *Plugin) allow(src cmd.Source) bool {
	pl, ok := src.(*player.Player)
	if !ok {
		return true
	}
	return p.Admin(pl.Name())
}

// debugCommand toggles debug logging without a reload.
type debugCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"debug"`
}

func (c debugCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c debugCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	on := !c.plugin.Config().Debug
	c.plugin.SetDebug(on)
	if on {
		o.Printf("Debug logging enabled.")
		return
	}
	o.Printf("Debug logging disabled.")
}

// reloadCommand re-reads the configuration file.
type reloadCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"reload"`
}

func (c reloadCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c reloadCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	if err := c.plugin.Reload(); err != nil {
		o.Errorf("Reload failed: %v", err)
		return
	}
	o.Printf("Configuration reloaded.")
}

// worldAddCommand adds a world to the tracked set.
type worldAddCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"world"`
	Add    cmd.SubCommand `cmd:"add"`
	World  string         `cmd:"name"`
}

func (c worldAddCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c worldAddCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	if err := c.plugin.AddWorld(c.World); err != nil {
		o.Errorf("%v", err)
		return
	}
	o.Printf("World %q is now tracked.", c.World)
}

// worldRemoveCommand removes a world from the tracked set.
type worldRemoveCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"world"`
	Remove cmd.SubCommand `cmd:"remove"`
	World  string         `cmd:"name"`
}

func (c worldRemoveCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c worldRemoveCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	if err := c.plugin.RemoveWorld(c.World); err != nil {
		o.Errorf("%v", err)
		return
	}
	o.Printf("World %q is no longer tracked.", c.World)
}

// worldListCommand lists the tracked worlds.
type worldListCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"world"`
	List   cmd.SubCommand `cmd:"list"`
}

func (c worldListCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c worldListCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	worlds := c.plugin.Worlds()
	if len(worlds) == 0 {
		o.Printf("No worlds are tracked.")
		return
	}
	o.Printf("Tracked worlds: %v", strings.Join(worlds, ", "))
}

// statsCommand prints the runtime counters.
type statsCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"stats"`
}

func (c statsCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c statsCommand) Run(_ cmd.Source, o *cmd.Output, _ *world.Tx) {
	s := c.plugin.Stats()
	o.Printf("Decision cache: %v hits, %v misses (%.1f%% hit rate), %v entries.",
		s.Decisions.Hits, s.Decisions.Misses, s.Decisions.HitRate()*100, s.Decisions.Entries)
	o.Printf("Chunks veiled: %v (%v blocks, %v decode failures).",
		s.ChunksVeiled, s.BlocksHidden, s.DecodeFailures)
	o.Printf("Entity spawns suppressed: %v.", s.EntitiesHidden)
	o.Printf("Tracked players: %v.", s.TrackedPlayers)
}

// testCommand evaluates the visibility rule for the invoking player at a
// block level, useful when tuning thresholds.
type testCommand struct {
	plugin *Plugin
	Sub    cmd.SubCommand `cmd:"test"`
	Y      int            `cmd:"y"`
}

func (c testCommand) Allow(src cmd.Source) bool { return c.plugin.allow(src) }

func (c testCommand) Run(src cmd.Source, o *cmd.Output, _ *world.Tx) {
	pl, ok := src.(*player.Player)
	if !ok {
		o.Errorf("The test subcommand must be run by a player.")
		return
	}
	if c.plugin.cache.ShouldHide(pl.UUID(), c.Y) {
		o.Printf("Content at Y=%v would be hidden from you.", c.Y)
		return
	}
	o.Printf("Content at Y=%v would be visible to you.", c.Y)
}
