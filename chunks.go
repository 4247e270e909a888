package veil

import (
	"log/slog"
	"sync/atomic"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/world/chunk"
	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// ChunkListener rewrites outgoing terrain packets for protected players. Full
// chunk payloads are decoded, every block at or below the hide level is
// replaced, and the payload is re-encoded; single and batched block updates in
// the hidden zone are rewritten in place. An unprotected viewer's packets pass
// through untouched.
type ChunkListener struct {
	conf  *atomic.Pointer[Config]
	cache *VisibilityCache
	host  Host
	log   *slog.Logger

	chunksVeiled   atomic.Uint64
	blocksHidden   atomic.Uint64
	decodeFailures atomic.Uint64
}

// NewChunkListener creates the terrain rewrite listener.
func NewChunkListener(conf *atomic.Pointer[Config], cache *VisibilityCache, host Host, log *slog.Logger) *ChunkListener {
	return &ChunkListener{conf: conf, cache: cache, host: host, log: log}
}

// PacketIDs implements PacketListener.
func (l *ChunkListener) PacketIDs() []uint32 {
	return []uint32{packet.IDLevelChunk, packet.IDUpdateBlock, packet.IDUpdateSubChunkBlocks}
}

// HandlePacket implements PacketListener.
func (l *ChunkListener) HandlePacket(ctx *PacketContext, pk packet.Packet) {
	conf := l.conf.Load()
	if !conf.HideChunks {
		return
	}
	switch p := pk.(type) {
	case *packet.LevelChunk:
		l.handleLevelChunk(ctx, conf, p)
	case *packet.UpdateBlock:
		l.handleUpdateBlock(ctx, conf, p)
	case *packet.UpdateSubChunkBlocks:
		l.handleUpdateSubChunkBlocks(ctx, conf, p)
	}
}

// handleLevelChunk veils a full chunk payload. The payload is only decoded
// when the viewer is protected; for everyone else the packet passes without
// the codec ever running.
func (l *ChunkListener) handleLevelChunk(ctx *PacketContext, conf *Config, pk *packet.LevelChunk) {
	v := ctx.Viewer()
	if !l.cache.ShouldHide(v.UUID(), conf.HideBelowY) {
		return
	}
	// Sub-chunk request mode payloads carry no block storage; the actual
	// terrain arrives in SubChunk packets the client requests separately.
	if pk.SubChunkCount == protocol.SubChunkRequestModeLimited || pk.SubChunkCount == protocol.SubChunkRequestModeLimitless {
		return
	}

	r, ok := l.worldRange(v.World(), pk.Position)
	if !ok {
		return
	}
	c, err := chunk.NetworkDecode(conf.AirRuntimeID, pk.RawPayload, int(pk.SubChunkCount), r)
	if err != nil {
		l.decodeFailures.Add(1)
		if conf.Debug {
			l.log.Debug("chunk decode failed, passing through",
				"x", pk.Position.X(), "z", pk.Position.Z(), "err", err)
		}
		return
	}

	replaced := l.veil(c, conf, r)
	if replaced == 0 {
		return
	}

	data := chunk.Encode(c, chunk.NetworkEncoding)
	payload := make([]byte, 0, len(pk.RawPayload))
	for _, sub := range data.SubChunks {
		payload = append(payload, sub...)
	}
	payload = append(payload, data.Biomes...)
	payload = append(payload, 0) // border blocks, always empty
	pk.RawPayload = payload
	pk.SubChunkCount = uint32(len(data.SubChunks))
	ctx.MarkModified()

	l.chunksVeiled.Add(1)
	l.blocksHidden.Add(uint64(replaced))
	if conf.Debug {
		l.log.Debug("chunk veiled", "player", v.Name(),
			"x", pk.Position.X(), "z", pk.Position.Z(), "blocks", replaced)
	}
}

// veil replaces every non-air block at or below the hide level and returns the
// number of blocks replaced.
func (l *ChunkListener) veil(c *chunk.Chunk, conf *Config, r cube.Range) int {
	top := conf.HideBelowY
	if top > r.Max() {
		top = r.Max()
	}
	replaced := 0
	for y := r.Min(); y <= top; y++ {
		for x := uint8(0); x < 16; x++ {
			for z := uint8(0); z < 16; z++ {
				rid := c.Block(x, int16(y), z, 0)
				if rid == conf.AirRuntimeID || rid == conf.ReplacementRuntimeID {
					continue
				}
				c.SetBlock(x, int16(y), z, 0, conf.ReplacementRuntimeID)
				replaced++
			}
		}
	}
	return replaced
}

// handleUpdateBlock rewrites a single block change in the hidden zone. Only
// the primary layer is touched; liquid layer updates reveal nothing.
func (l *ChunkListener) handleUpdateBlock(ctx *PacketContext, conf *Config, pk *packet.UpdateBlock) {
	if pk.Layer != 0 {
		return
	}
	y := int(pk.Position[1])
	if !l.cache.ShouldHide(ctx.Viewer().UUID(), y) {
		return
	}
	if pk.NewBlockRuntimeID == conf.ReplacementRuntimeID || pk.NewBlockRuntimeID == conf.AirRuntimeID {
		return
	}
	pk.NewBlockRuntimeID = conf.ReplacementRuntimeID
	ctx.MarkModified()
	l.blocksHidden.Add(1)
}

// handleUpdateSubChunkBlocks rewrites the hidden entries of a batched block
// change. Entries above the hide level keep their real blocks.
func (l *ChunkListener) handleUpdateSubChunkBlocks(ctx *PacketContext, conf *Config, pk *packet.UpdateSubChunkBlocks) {
	id := ctx.Viewer().UUID()
	changed := l.veilEntries(id, conf, pk.Blocks)
	// The extra layer carries waterlogging; hiding it keeps hidden ore out of
	// water column silhouettes.
	changed += l.veilEntries(id, conf, pk.Extra)
	if changed == 0 {
		return
	}
	ctx.MarkModified()
	l.blocksHidden.Add(uint64(changed))
}

func (l *ChunkListener) veilEntries(id uuid.UUID, conf *Config, entries []protocol.BlockChangeEntry) int {
	changed := 0
	for i := range entries {
		e := &entries[i]
		if e.BlockRuntimeID == conf.ReplacementRuntimeID || e.BlockRuntimeID == conf.AirRuntimeID {
			continue
		}
		if !l.cache.ShouldHide(id, int(e.BlockPos[1])) {
			continue
		}
		e.BlockRuntimeID = conf.ReplacementRuntimeID
		changed++
	}
	return changed
}

// worldRange resolves the vertical range of the chunk's world through the
// chunk metadata cache, so the host is asked at most once per chunk per TTL
// window.
func (l *ChunkListener) worldRange(world string, pos protocol.ChunkPos) (cube.Range, bool) {
	meta := l.cache.ChunkMeta(world, pos.X(), pos.Z(), func() ChunkMeta {
		r, ok := l.host.WorldRange(world)
		if !ok {
			return ChunkMeta{}
		}
		return ChunkMeta{
			Loaded: l.host.ChunkLoaded(world, pos.X(), pos.Z()),
			MinY:   r.Min(),
			MaxY:   r.Max(),
		}
	})
	if meta.MinY == 0 && meta.MaxY == 0 {
		return cube.Range{}, false
	}
	return cube.Range{meta.MinY, meta.MaxY}, true
}

// Stats returns the listener's lifetime counters.
func (l *ChunkListener) Stats() (chunks, blocks, failures uint64) {
	return l.chunksVeiled.Load(), l.blocksHidden.Load(), l.decodeFailures.Load()
}
