// Package timeouts defines shared timeout constants used across cacheline
// services and transports.
package timeouts

import "time"

// Dial caps the wait time when a transport dials its peer or hub.
const Dial = 2 * time.Second

// ReconnectDelay is the pause between transport reconnect attempts.
const ReconnectDelay = 500 * time.Millisecond

// MaxReconnectDelay caps the doubling reconnect delay.
const MaxReconnectDelay = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Write caps one frame write to a peer connection.
const Write = 5 * time.Second
