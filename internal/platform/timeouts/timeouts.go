// Package timeouts defines shared timeout constants used across the sync
// core. Centralizing these values keeps the durations discoverable and
// prevents drift between the transport and the domain layers.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// BusConnect caps the wait time when connecting to the fan-out bus broker.
const BusConnect = 5 * time.Second

// StoreOp caps a single durable store read or write issued from the
// realtime event loop.
const StoreOp = 3 * time.Second
