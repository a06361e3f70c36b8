// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// HTTPRequest caps a single LMS API request, including body transfer.
const HTTPRequest = 30 * time.Second

// SSHDial caps the wait time when connecting to the snapshot host.
const SSHDial = 10 * time.Second

// ContainerPoll is the interval between container status checks.
const ContainerPoll = 2 * time.Second

// ContainerJob caps one grading container from start to exit.
const ContainerJob = 20 * time.Minute

// Shutdown limits how long the health server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
