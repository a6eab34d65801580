// Package upload provides functional options for configuring the upload
// manager. These options follow the functional options pattern for clean,
// composable configuration.
package upload

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/voxscribe/upload/uptypes"
)

// Defaults applied by New when an option does not override them.
const (
	// DefaultChunkSize is the fixed part size. 8MB clears the backend's
	// 5MB minimum for non-final parts with headroom.
	DefaultChunkSize = 8 * 1024 * 1024

	// DefaultConcurrency bounds in-flight part uploads per session.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the retry count per network operation,
	// on top of the initial attempt.
	DefaultMaxRetries = 3

	// DefaultOperationTimeout applies to each network attempt.
	DefaultOperationTimeout = 30 * time.Second

	// DefaultSessionMaxAge is the inactivity threshold for the expiry sweep.
	DefaultSessionMaxAge = 24 * time.Hour

	// DefaultStateDir holds persisted session records.
	DefaultStateDir = ".voxscribe/upload-sessions"
)

// WithRegion sets the AWS region for backend operations.
// If not specified, uses the default AWS region from the credential chain.
func WithRegion(region string) uptypes.Option {
	return func(c *uptypes.Config) {
		c.Region = region
	}
}

// WithEndpoint sets a custom backend endpoint URL.
// This is useful for S3-compatible services or local testing with LocalStack.
func WithEndpoint(endpoint string) uptypes.Option {
	return func(c *uptypes.Config) {
		c.Endpoint = endpoint
	}
}

// WithForcePathStyle forces path-style URLs instead of virtual-hosted style.
// This is required for S3-compatible services that don't support virtual hosting.
// Default is false (uses virtual-hosted style).
func WithForcePathStyle(forcePathStyle bool) uptypes.Option {
	return func(c *uptypes.Config) {
		c.ForcePathStyle = forcePathStyle
	}
}

// WithBucket sets the destination bucket for all upload sessions.
// Required when constructing a manager with New or NewWithClient.
func WithBucket(bucket string) uptypes.Option {
	return func(c *uptypes.Config) {
		c.Bucket = bucket
	}
}

// WithChunkSize sets the fixed part size in bytes.
// Default is 8MB. Must be at least 5MB for S3 multipart uploads.
func WithChunkSize(chunkSize int64) uptypes.Option {
	return func(c *uptypes.Config) {
		if chunkSize > 0 {
			c.ChunkSize = chunkSize
		}
	}
}

// WithConcurrency sets the maximum number of concurrent part uploads
// per session. Default is 3.
func WithConcurrency(concurrency int) uptypes.Option {
	return func(c *uptypes.Config) {
		if concurrency > 0 {
			c.Concurrency = concurrency
		}
	}
}

// WithMaxRetries sets the retry count for failed network operations,
// in addition to the initial attempt. Default is 3. Set to 0 to disable
// retries.
func WithMaxRetries(maxRetries int) uptypes.Option {
	return func(c *uptypes.Config) {
		if maxRetries >= 0 {
			c.MaxRetries = maxRetries
		}
	}
}

// WithRetryBaseDelay sets the first backoff delay between retries.
// Default is 500ms; later delays grow exponentially with jitter.
func WithRetryBaseDelay(delay time.Duration) uptypes.Option {
	return func(c *uptypes.Config) {
		if delay > 0 {
			c.RetryBaseDelay = delay
		}
	}
}

// WithOperationTimeout sets the timeout applied to each network attempt,
// independent of retry backoff. Default is 30s.
func WithOperationTimeout(timeout time.Duration) uptypes.Option {
	return func(c *uptypes.Config) {
		if timeout > 0 {
			c.OperationTimeout = timeout
		}
	}
}

// WithSessionMaxAge sets the inactivity threshold after which a session is
// considered abandoned by the expiry sweep. Default is 24h.
func WithSessionMaxAge(maxAge time.Duration) uptypes.Option {
	return func(c *uptypes.Config) {
		if maxAge > 0 {
			c.SessionMaxAge = maxAge
		}
	}
}

// WithSweepInterval enables a background goroutine that runs the expiry
// sweep at the given interval. Default is disabled; call SweepExpired
// directly instead.
func WithSweepInterval(interval time.Duration) uptypes.Option {
	return func(c *uptypes.Config) {
		c.SweepInterval = interval
	}
}

// WithStateDir sets the directory holding persisted session records.
func WithStateDir(dir string) uptypes.Option {
	return func(c *uptypes.Config) {
		if dir != "" {
			c.StateDir = dir
		}
	}
}

// WithFilesystem sets the filesystem abstraction used for source files and
// session records. Default is the OS filesystem rooted at /.
// This is useful for testing with in-memory filesystems.
func WithFilesystem(fsys fs.Filesystem) uptypes.Option {
	return func(c *uptypes.Config) {
		c.Filesystem = fsys
	}
}

// WithLogger sets the structured logger receiving engine diagnostics.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) uptypes.Option {
	return func(c *uptypes.Config) {
		c.Logger = logger
	}
}

// WithClock overrides the time source. This is useful for testing
// expiry and throughput computation deterministically.
func WithClock(now func() time.Time) uptypes.Option {
	return func(c *uptypes.Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// WithAWSConfig allows providing a custom AWS configuration.
// This overrides the default configuration loading behavior.
// Use this when you need fine-grained control over AWS SDK configuration.
func WithAWSConfig(config *aws.Config) uptypes.Option {
	return func(c *uptypes.Config) {
		c.CustomAWSConfig = config
	}
}

// WithCustomHTTPClient sets the HTTP client used for backend requests.
func WithCustomHTTPClient(client *http.Client) uptypes.Option {
	return func(c *uptypes.Config) {
		c.CustomHTTPClient = client
	}
}
