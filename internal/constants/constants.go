package constants

import "time"

var CacheTTL = struct {
	LiveSnapshot    time.Duration
	ArchiveSnapshot time.Duration
	Channels        time.Duration
}{
	LiveSnapshot:    5 * time.Second,  // live.json
	ArchiveSnapshot: 30 * time.Second, // archive.json
	Channels:        24 * time.Hour,   // directory channel list in Redis
}

var MonitorConfig = struct {
	PollInterval       time.Duration
	InitRetries        int
	TerminationCutoff  int
	HandOffTimeout     time.Duration
	ChatRequestsPerSec float64
	ChatBurst          int
}{
	PollInterval:       1 * time.Second,
	InitRetries:        5,
	TerminationCutoff:  10, // cycles after terminate before a forced stop
	HandOffTimeout:     30 * time.Second,
	ChatRequestsPerSec: 20,
	ChatBurst:          10,
}

var SupervisorConfig = struct {
	UpdateInterval   time.Duration
	ArchiveRetention time.Duration
	RestoreWorkers   int
}{
	UpdateInterval:   300 * time.Second,
	ArchiveRetention: 7 * 24 * time.Hour,
	RestoreWorkers:   4,
}

var RedisConfig = struct {
	ReadyTimeout time.Duration
	AlertChannel string
}{
	ReadyTimeout: 5 * time.Second,
	AlertChannel: "matsuri:alerts",
}

var RetryConfig = struct {
	BaseDelay time.Duration
	Jitter    time.Duration
}{
	BaseDelay: 500 * time.Millisecond,
	Jitter:    250 * time.Millisecond,
}

var CircuitBreakerConfig = struct {
	FailureThreshold uint32
	Interval         time.Duration
	ResetTimeout     time.Duration
}{
	FailureThreshold: 3,                // consecutive failures before the circuit opens
	Interval:         time.Minute,      // counts reset while closed
	ResetTimeout:     30 * time.Second, // open -> half-open
}

var APIConfig = struct {
	HolodexBaseURL  string
	HolodexTimeout  time.Duration
	HolodexPageSize int
	FanOutWorkers   int
}{
	HolodexBaseURL:  "https://holodex.net/api/v2",
	HolodexTimeout:  10 * time.Second,
	HolodexPageSize: 50,
	FanOutWorkers:   4,
}

// WatchedOrgs is the default set of organizations whose streams are monitored.
var WatchedOrgs = []string{"Hololive", "Nijisanji", "VSpo", "774inc"}

var ServerConfig = struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	WebSocketPing     time.Duration
	WebSocketWrite    time.Duration
}{
	Port:              8080,
	ReadHeaderTimeout: 10 * time.Second,
	ShutdownTimeout:   10 * time.Second,
	WebSocketPing:     30 * time.Second,
	WebSocketWrite:    10 * time.Second,
}
