package veil

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// BedrockBridge answers whether a player is connected through a Bedrock
// compatibility layer. Bridges are optional collaborators: a missing bridge is
// represented by a nil value and never by an error.
type BedrockBridge interface {
	// BedrockPlayer reports whether the player with the given id is a bridged
	// Bedrock client. The second return value is false if the bridge cannot
	// answer for this player. Only a confirmed Bedrock client short-circuits
	// detection; any other answer falls through to the next method.
	BedrockPlayer(id uuid.UUID) (is bool, ok bool)
}

// DetectionMethod identifies which strategy confirmed a Bedrock client.
type DetectionMethod uint8

const (
	MethodNone DetectionMethod = iota
	MethodProxyAPI
	MethodTranslatorAPI
	MethodUUIDPattern
	MethodNamePrefix
)

// String returns the method name used in logs and the stats command.
func (m DetectionMethod) String() string {
	switch m {
	case MethodProxyAPI:
		return "proxy-api"
	case MethodTranslatorAPI:
		return "translator-api"
	case MethodUUIDPattern:
		return "uuid-pattern"
	case MethodNamePrefix:
		return "name-prefix"
	}
	return "none"
}

// BedrockDetector resolves whether a connected player is a Bedrock client.
// Four strategies are tried in priority order; the first match wins. A
// positive result is cached for the session and never revised, a negative
// result is recomputed on every call.
type BedrockDetector struct {
	conf *atomic.Pointer[Config]
	caps Capabilities
	log  *slog.Logger

	// results maps player id -> DetectionMethod. Only positives are stored.
	results sync.Map
}

// NewBedrockDetector creates a detector using the bridges negotiated at
// startup.
func NewBedrockDetector(conf *atomic.Pointer[Config], caps Capabilities, log *slog.Logger) *BedrockDetector {
	return &BedrockDetector{conf: conf, caps: caps, log: log}
}

// BedrockPlayer reports whether the player is a detected Bedrock client.
func (d *BedrockDetector) BedrockPlayer(id uuid.UUID, name string) bool {
	if _, ok := d.results.Load(id); ok {
		return true
	}
	method := d.detect(id, name)
	if method == MethodNone {
		return false
	}
	if _, loaded := d.results.LoadOrStore(id, method); !loaded {
		d.log.Info("bedrock client detected", "player", name, "method", method.String())
	}
	return true
}

// Method returns the strategy that confirmed the player, or MethodNone.
func (d *BedrockDetector) Method(id uuid.UUID) DetectionMethod {
	if v, ok := d.results.Load(id); ok {
		return v.(DetectionMethod)
	}
	return MethodNone
}

// detect runs the strategies in priority order.
func (d *BedrockDetector) detect(id uuid.UUID, name string) DetectionMethod {
	if d.caps.ProxyBridge != nil {
		if is, ok := d.caps.ProxyBridge.BedrockPlayer(id); ok && is {
			return MethodProxyAPI
		}
	}
	if d.caps.TranslatorBridge != nil {
		if is, ok := d.caps.TranslatorBridge.BedrockPlayer(id); ok && is {
			return MethodTranslatorAPI
		}
	}
	if bedrockUUID(id) {
		return MethodUUIDPattern
	}
	conf := d.conf.Load()
	if conf != nil && conf.NamePrefix != "" && strings.HasPrefix(name, conf.NamePrefix) {
		return MethodNamePrefix
	}
	return MethodNone
}

// bedrockUUID reports whether the id follows the all-zero-prefixed session
// UUID form handed out by protocol translation layers, which place the client
// identity in the low bits only.
func bedrockUUID(id uuid.UUID) bool {
	if id == uuid.Nil {
		return false
	}
	for _, b := range id[:8] {
		if b != 0 {
			return false
		}
	}
	return true
}

// OptimizedChunkRadius returns the effective view radius for a player. The
// requested radius is reduced for detected Bedrock clients when optimizations
// are enabled, floored at the configured minimum.
func (d *BedrockDetector) OptimizedChunkRadius(id uuid.UUID, name string, requested int32) int32 {
	conf := d.conf.Load()
	if conf == nil || !conf.BedrockOptimizations || !d.BedrockPlayer(id, name) {
		return requested
	}
	r := requested - conf.RadiusReduction
	if r < conf.MinRadius {
		r = conf.MinRadius
	}
	return r
}

// Forget drops the cached result for a disconnecting player.
func (d *BedrockDetector) Forget(id uuid.UUID) {
	d.results.Delete(id)
}

// Reset clears all cached results. Called on reload.
func (d *BedrockDetector) Reset() {
	d.results.Range(func(k, _ any) bool {
		d.results.Delete(k)
		return true
	})
}
