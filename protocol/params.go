package protocol

import (
	"fmt"
	"time"
)

// Params tune the sync protocol.
// Both ends of a session may use different values.
type Params struct {
	// BatchSize is the most hashes a sink asks for in one ChunkRequest.
	BatchSize int `yaml:"batch_size" envconfig:"BATCH_SIZE"`

	// MaxTransfers bounds the concurrent transfers per peer in each role.
	MaxTransfers int `yaml:"max_transfers" envconfig:"MAX_TRANSFERS"`

	// MaxChunkRetries is how often one chunk may arrive corrupt before its transfer fails.
	MaxChunkRetries int `yaml:"max_chunk_retries" envconfig:"MAX_CHUNK_RETRIES"`

	// MaxAttempts is how often a sink tries a transfer before marking the path out of sync.
	MaxAttempts int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`

	// BackoffInitial is the wait before the second attempt; each later wait doubles, up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial" envconfig:"BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" envconfig:"BACKOFF_MAX"`

	// BackoffJitter is the fraction by which each wait is randomly lengthened or shortened.
	BackoffJitter float64 `yaml:"backoff_jitter" envconfig:"BACKOFF_JITTER"`

	// ResponseTimeout bounds the wait for a ManifestResponse and Commit.
	ResponseTimeout time.Duration `yaml:"response_timeout" envconfig:"RESPONSE_TIMEOUT"`

	// ChunkTimeout bounds the wait between chunks of an outstanding batch.
	ChunkTimeout time.Duration `yaml:"chunk_timeout" envconfig:"CHUNK_TIMEOUT"`

	// CommitTimeout bounds how long a source waits for the sink's next request or verdict.
	CommitTimeout time.Duration `yaml:"commit_timeout" envconfig:"COMMIT_TIMEOUT"`

	// HeartbeatInterval is the time between heartbeats.
	// A session that receives nothing for IdleTimeout is closed.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
}

// DefaultParams are the protocol settings used when none are configured.
var DefaultParams = Params{
	BatchSize:         64,
	MaxTransfers:      8,
	MaxChunkRetries:   3,
	MaxAttempts:       5,
	BackoffInitial:    time.Second,
	BackoffMax:        time.Minute,
	BackoffJitter:     0.2,
	ResponseTimeout:   30 * time.Second,
	ChunkTimeout:      30 * time.Second,
	CommitTimeout:     2 * time.Minute,
	HeartbeatInterval: 15 * time.Second,
	IdleTimeout:       time.Minute,
}

// Validate checks that p is usable.
func (p Params) Validate() error {
	switch {
	case p.BatchSize <= 0:
		return fmt.Errorf("batch size %d must be positive", p.BatchSize)
	case p.MaxTransfers <= 0:
		return fmt.Errorf("max transfers %d must be positive", p.MaxTransfers)
	case p.MaxChunkRetries < 0:
		return fmt.Errorf("max chunk retries %d must not be negative", p.MaxChunkRetries)
	case p.MaxAttempts <= 0:
		return fmt.Errorf("max attempts %d must be positive", p.MaxAttempts)
	case p.BackoffInitial <= 0 || p.BackoffMax < p.BackoffInitial:
		return fmt.Errorf("backoff %s..%s is not a valid range", p.BackoffInitial, p.BackoffMax)
	case p.BackoffJitter < 0 || p.BackoffJitter >= 1:
		return fmt.Errorf("backoff jitter %g must be in [0, 1)", p.BackoffJitter)
	case p.ResponseTimeout <= 0 || p.ChunkTimeout <= 0 || p.CommitTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case p.HeartbeatInterval <= 0 || p.IdleTimeout <= p.HeartbeatInterval:
		return fmt.Errorf("idle timeout %s must exceed heartbeat interval %s", p.IdleTimeout, p.HeartbeatInterval)
	}
	return nil
}

func (p Params) inboxSize() int {
	return 2*p.BatchSize + 8
}
