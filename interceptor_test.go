package veil

import (
	"testing"

	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

type recordListener struct {
	ids   []uint32
	calls int
	fn    func(ctx *PacketContext, pk packet.Packet)
}

func (l *recordListener) PacketIDs() []uint32 { return l.ids }

func (l *recordListener) HandlePacket(ctx *PacketContext, pk packet.Packet) {
	l.calls++
	if l.fn != nil {
		l.fn(ctx, pk)
	}
}

func TestInterceptorInterestFilter(t *testing.T) {
	l := &recordListener{ids: []uint32{packet.IDAddActor}}
	i := NewInterceptor(confPtr(testConfig()), testLogger(), l)
	v := newFakeViewer("alice", "world", 40)

	if i.Intercept(v, &packet.RemoveActor{}) {
		t.Fatalf("uninteresting packet dropped")
	}
	if l.calls != 0 {
		t.Fatalf("listener called for uninteresting packet")
	}
	i.Intercept(v, &packet.AddActor{})
	if l.calls != 1 {
		t.Fatalf("listener not called for interesting packet")
	}
}

func TestInterceptorCancelStopsChain(t *testing.T) {
	first := &recordListener{
		ids: []uint32{packet.IDAddActor},
		fn:  func(ctx *PacketContext, _ packet.Packet) { ctx.Cancel() },
	}
	second := &recordListener{ids: []uint32{packet.IDAddActor}}
	i := NewInterceptor(confPtr(testConfig()), testLogger(), first, second)

	if !i.Intercept(newFakeViewer("alice", "world", 40), &packet.AddActor{}) {
		t.Fatalf("cancelled packet not dropped")
	}
	if second.calls != 0 {
		t.Fatalf("listener ran after the packet was cancelled")
	}
}

func TestInterceptorPanicContained(t *testing.T) {
	panicking := &recordListener{
		ids: []uint32{packet.IDAddActor},
		fn:  func(*PacketContext, packet.Packet) { panic("boom") },
	}
	after := &recordListener{ids: []uint32{packet.IDAddActor}}
	i := NewInterceptor(confPtr(testConfig()), testLogger(), panicking, after)

	if i.Intercept(newFakeViewer("alice", "world", 40), &packet.AddActor{}) {
		t.Fatalf("packet dropped because a listener panicked")
	}
	if after.calls != 1 {
		t.Fatalf("chain stopped at the panicking listener")
	}
}

func TestInterceptorDisabled(t *testing.T) {
	c := testConfig()
	c.Enabled = false
	l := &recordListener{ids: []uint32{packet.IDAddActor}}
	i := NewInterceptor(confPtr(c), testLogger(), l)

	if i.Intercept(newFakeViewer("alice", "world", 40), &packet.AddActor{}) {
		t.Fatalf("packet dropped while disabled")
	}
	if l.calls != 0 {
		t.Fatalf("listener called while disabled")
	}
}

func TestInterceptorSharedInterest(t *testing.T) {
	a := &recordListener{ids: []uint32{packet.IDAddActor}}
	b := &recordListener{ids: []uint32{packet.IDAddActor, packet.IDRemoveActor}}
	i := NewInterceptor(confPtr(testConfig()), testLogger(), a, b)
	v := newFakeViewer("alice", "world", 40)

	i.Intercept(v, &packet.AddActor{})
	i.Intercept(v, &packet.RemoveActor{})
	if a.calls != 1 || b.calls != 2 {
		t.Fatalf("calls = %v/%v, want 1/2", a.calls, b.calls)
	}
}
