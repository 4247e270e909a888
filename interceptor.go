package veil

import (
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/brentp/intintmap"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// PacketContext carries the outcome of a packet interception. Listeners either
// drop the packet entirely with Cancel or rewrite it in place and record that
// with MarkModified; an untouched context lets the packet pass as is.
type PacketContext struct {
	viewer    Viewer
	cancelled bool
	modified  bool
}

// Viewer returns the player the packet is addressed to.
func (c *PacketContext) Viewer() Viewer { return c.viewer }

// Cancel drops the packet. It is never sent to the client.
func (c *PacketContext) Cancel() { c.cancelled = true }

// Cancelled reports whether a listener dropped the packet.
func (c *PacketContext) Cancelled() bool { return c.cancelled }

// MarkModified records that the packet payload was rewritten in place.
func (c *PacketContext) MarkModified() { c.modified = true }

// Modified reports whether the packet was rewritten.
func (c *PacketContext) Modified() bool { return c.modified }

// PacketListener inspects and rewrites outgoing packets of the kinds it
// declared interest in.
type PacketListener interface {
	// PacketIDs returns the packet ids the listener wants to see.
	PacketIDs() []uint32
	// HandlePacket processes one outgoing packet. The packet may be mutated in
	// place; doing so must be recorded on the context.
	HandlePacket(ctx *PacketContext, pk packet.Packet)
}

// Interceptor sits on the outgoing packet path and fans interesting packets
// out to the registered listeners. The interest check is a single primitive
// map probe, so the overwhelming majority of packets pass with near-zero
// overhead.
type Interceptor struct {
	conf *atomic.Pointer[Config]
	log  *slog.Logger

	// interest maps packet id -> bitmask of listener indices.
	interest  *intintmap.Map
	listeners []PacketListener
}

// NewInterceptor builds the interest index over the given listeners. The
// listener set is fixed for the interceptor's lifetime.
func NewInterceptor(conf *atomic.Pointer[Config], log *slog.Logger, listeners ...PacketListener) *Interceptor {
	m := intintmap.New(64, 0.5)
	for i, l := range listeners {
		for _, id := range l.PacketIDs() {
			mask, _ := m.Get(int64(id))
			m.Put(int64(id), mask|int64(1)<<uint(i))
		}
	}
	return &Interceptor{conf: conf, log: log, interest: m, listeners: listeners}
}

// Intercept runs the listeners interested in pk. It reports whether the packet
// must be dropped. A listener panic is contained: the packet passes unmodified
// by the panicking listener, concealment degrades rather than the connection
// breaking.
func (i *Interceptor) Intercept(v Viewer, pk packet.Packet) (drop bool) {
	conf := i.conf.Load()
	if conf == nil || !conf.Enabled {
		return false
	}
	mask, ok := i.interest.Get(int64(pk.ID()))
	if !ok {
		return false
	}

	ctx := &PacketContext{viewer: v}
	for idx, l := range i.listeners {
		if mask&(int64(1)<<uint(idx)) == 0 {
			continue
		}
		i.dispatch(ctx, l, pk)
		if ctx.cancelled {
			return true
		}
	}
	return false
}

func (i *Interceptor) dispatch(ctx *PacketContext, l PacketListener, pk packet.Packet) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("panic in packet listener",
				"packet", pk.ID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	l.HandlePacket(ctx, pk)
}
