package veil

import "runtime"

// Capabilities is the result of the one-time capability negotiation performed
// at startup. The host integration declares what the runtime offers; the value
// is immutable and consulted for the process lifetime instead of re-probing.
type Capabilities struct {
	// Partitioned reports that the host schedules world regions on
	// independently owned threads. When false, all work is serialized on a
	// single global execution context.
	Partitioned bool
	// Regions is the number of execution shards under the partitioned model.
	// Zero picks a shard count from the available CPUs.
	Regions int
	// ProxyBridge is the optional proxy-side Bedrock query, nil when the host
	// runs no such proxy.
	ProxyBridge BedrockBridge
	// TranslatorBridge is the optional protocol-translation Bedrock query,
	// nil when no translation layer is installed.
	TranslatorBridge BedrockBridge
}

// normalized fills derived defaults.
func (c Capabilities) normalized() Capabilities {
	if c.Regions <= 0 {
		c.Regions = runtime.GOMAXPROCS(0)
		if c.Regions < 1 {
			c.Regions = 1
		}
	}
	return c
}
