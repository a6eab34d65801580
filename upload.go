// Package upload provides manager initialization and the session-facing
// API: starting, pausing, resuming, and cancelling upload sessions, plus
// progress inspection and event subscription.
package upload

import (
	"context"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/internal/plan"
	"github.com/voxscribe/upload/internal/pool"
	"github.com/voxscribe/upload/internal/progress"
	"github.com/voxscribe/upload/internal/retry"
	"github.com/voxscribe/upload/internal/s3api"
	"github.com/voxscribe/upload/internal/store"
	"github.com/voxscribe/upload/internal/transfer"
	"github.com/voxscribe/upload/internal/validation"
	"github.com/voxscribe/upload/uptypes"
)

const fallbackMimeType = "application/octet-stream"

// Manager is the entry point of the upload engine. It owns one coordinator
// per in-flight session, the durable session store, and the event broker.
// All methods are safe for concurrent use.
type Manager struct {
	cfg    uptypes.Config
	store  *store.Store
	exec   *transfer.Executor
	bufs   *pool.BufferPool
	broker *broker
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*coordinator
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates an upload manager with the provided options. It loads AWS
// credentials using the default credential chain and applies the specified
// configuration options.
//
// Example:
//
//	mgr, err := upload.New(
//	    upload.WithBucket("voxscribe-media"),
//	    upload.WithRegion("us-west-2"),
//	)
func New(opts ...uptypes.Option) (*Manager, error) {
	cfg := resolveConfig(opts...)

	var awsCfg aws.Config
	var err error
	if cfg.CustomAWSConfig != nil {
		awsCfg = *cfg.CustomAWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, uperrors.NewError("manager initialization", err)
		}
	}

	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if cfg.CustomHTTPClient != nil {
		httpClient := cfg.CustomHTTPClient
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.HTTPClient = httpClient
		})
	}

	return newManager(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewWithClient creates an upload manager over a custom multipart API
// implementation. This is primarily used for testing with mocked clients.
func NewWithClient(api s3api.MultipartAPI, opts ...uptypes.Option) (*Manager, error) {
	return newManager(api, resolveConfig(opts...))
}

func resolveConfig(opts ...uptypes.Option) uptypes.Config {
	cfg := uptypes.Config{
		ChunkSize:        DefaultChunkSize,
		Concurrency:      DefaultConcurrency,
		MaxRetries:       DefaultMaxRetries,
		OperationTimeout: DefaultOperationTimeout,
		SessionMaxAge:    DefaultSessionMaxAge,
		StateDir:         DefaultStateDir,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Filesystem == nil {
		cfg.Filesystem = billy.NewOSFS("/")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func newManager(api s3api.MultipartAPI, cfg uptypes.Config) (*Manager, error) {
	if cfg.Bucket == "" {
		return nil, uperrors.NewError("manager initialization", uperrors.ErrInvalidInput).
			WithMessage("bucket is required")
	}

	st, err := store.New(cfg.Filesystem, cfg.StateDir, cfg.Now)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy().WithMaxAttempts(cfg.MaxRetries + 1)
	if cfg.RetryBaseDelay > 0 {
		policy.InitialInterval = cfg.RetryBaseDelay
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		bufs:   pool.NewBufferPool(cfg.ChunkSize),
		broker: newBroker(),
		log:    cfg.Logger,
		now:    cfg.Now,
		active: make(map[string]*coordinator),
	}
	m.exec = transfer.New(api, transfer.Config{
		Bucket:  cfg.Bucket,
		Policy:  policy,
		Timeout: cfg.OperationTimeout,
		Logger:  cfg.Logger,
	})

	if cfg.SweepInterval > 0 {
		m.sweepStop = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweeper(cfg.SweepInterval)
	}
	return m, nil
}

// Start creates a new upload session for the given file and begins
// transferring it in the background. The returned session id identifies the
// session in all later calls and events.
func (m *Manager) Start(ctx context.Context, in uptypes.StartInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", uperrors.NewError("start", err)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", uperrors.NewError("start", uperrors.ErrClosed)
	}
	if in.Path == "" {
		return "", uperrors.NewError("start", uperrors.ErrInvalidInput).
			WithMessage("file path is required")
	}
	if in.ProjectID == "" {
		return "", uperrors.NewError("start", uperrors.ErrInvalidInput).
			WithMessage("project id is required")
	}
	if err := validation.ValidateStorageKey(in.StorageKey); err != nil {
		return "", err
	}

	info, err := m.cfg.Filesystem.Stat(in.Path)
	if err != nil {
		return "", uperrors.NewError("start", err).WithMessage("stat source file")
	}
	if info.IsDir() {
		return "", uperrors.NewError("start", uperrors.ErrInvalidInput).
			WithMessage("source path is a directory")
	}

	totalChunks, err := plan.TotalChunks(info.Size(), m.cfg.ChunkSize)
	if err != nil {
		return "", err
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = filepath.Base(in.Path)
	}

	now := m.now()
	sess := &uptypes.Session{
		ID:             uuid.NewString(),
		ProjectID:      in.ProjectID,
		StorageKey:     in.StorageKey,
		FilePath:       in.Path,
		FileName:       fileName,
		FileSize:       info.Size(),
		MimeType:       m.detectMimeType(in.Path, in.MimeType),
		ChunkSize:      m.cfg.ChunkSize,
		TotalChunks:    totalChunks,
		Status:         uptypes.StatusPending,
		Parts:          make(map[int32]uptypes.UploadedPart),
		StartedAt:      now,
		LastActivityAt: now,
	}

	created, err := m.store.Create(sess)
	if err != nil {
		return "", err
	}

	if err := m.launch(created); err != nil {
		return "", err
	}
	m.log.Info("session started",
		"session", created.ID,
		"project", created.ProjectID,
		"size", created.FileSize,
		"chunks", created.TotalChunks)
	return created.ID, nil
}

// Pause stops dispatching new parts for the session, waits for in-flight
// parts to drain, and persists the paused state. Pausing an already paused
// session is a no-op.
func (m *Manager) Pause(sessionID string) error {
	m.mu.Lock()
	c, running := m.active[sessionID]
	m.mu.Unlock()

	if running {
		return c.pause()
	}

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == uptypes.StatusPaused {
		return nil
	}
	return uperrors.NewError("pause", uperrors.ErrInvalidTransition).
		WithSession(sessionID).
		WithMessage(string(sess.Status))
}

// Resume restarts a paused session, or recovers a session left in pending
// or uploading by a process crash. Confirmed parts are reconciled against
// the backend listing, which is authoritative, and only missing parts are
// transferred; the remote upload is never re-initiated.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return uperrors.NewError("resume", uperrors.ErrInvalidTransition).
			WithSession(sessionID).
			WithMessage(string(sess.Status))
	}

	m.mu.Lock()
	_, running := m.active[sessionID]
	m.mu.Unlock()
	if running {
		return uperrors.NewError("resume", uperrors.ErrInvalidTransition).
			WithSession(sessionID).
			WithMessage("session is already uploading")
	}

	info, err := m.cfg.Filesystem.Stat(sess.FilePath)
	if err != nil {
		return uperrors.NewError("resume", err).
			WithSession(sessionID).
			WithMessage("stat source file")
	}
	if info.Size() != sess.FileSize {
		return uperrors.NewError("resume", uperrors.ErrInvalidInput).
			WithSession(sessionID).
			WithMessage("source file size changed since the session started")
	}

	if sess.RemoteUploadID != "" {
		remote, err := m.exec.ListParts(ctx, sess.StorageKey, sess.RemoteUploadID)
		if err != nil {
			return uperrors.NewError("resume", err).WithSession(sessionID)
		}
		sess, err = m.store.Update(sessionID, uptypes.SessionPatch{ReplaceParts: &remote})
		if err != nil {
			return err
		}
	}

	if err := m.launch(sess); err != nil {
		return err
	}
	m.log.Info("session resumed", "session", sessionID, "confirmed_parts", len(sess.Parts))
	return nil
}

// Cancel stops the session, aborts the remote upload best-effort, and lands
// the session in cancelled. Cancel succeeds from any non-terminal state.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, running := m.active[sessionID]
	m.mu.Unlock()

	if running {
		err := c.cancelAndWait()
		if err == nil || !uperrors.IsInvalidTransition(err) {
			return err
		}
		// The run loop beat us to a different stop state; fall through and
		// cancel from the persisted record if it is still non-terminal.
	}

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		if sess.Status == uptypes.StatusCancelled {
			return nil
		}
		return uperrors.NewError("cancel", uperrors.ErrInvalidTransition).
			WithSession(sessionID).
			WithMessage(string(sess.Status))
	}

	if sess.RemoteUploadID != "" {
		if err := m.exec.Abort(ctx, sess.StorageKey, sess.RemoteUploadID); err != nil {
			m.log.Warn("abort on cancel failed", "session", sessionID, "error", err)
		}
	}

	st := uptypes.StatusCancelled
	if _, err := m.store.Update(sessionID, uptypes.SessionPatch{Status: &st}); err != nil {
		return err
	}
	m.broker.publish(uptypes.Event{
		Type:      uptypes.EventStatusChanged,
		SessionID: sessionID,
		Status:    uptypes.StatusCancelled,
	})
	return nil
}

// Progress returns a point-in-time snapshot of the session. Live sessions
// include trailing-window throughput and ETA; idle ones report stored
// counters only.
func (m *Manager) Progress(sessionID string) (uptypes.Snapshot, error) {
	m.mu.Lock()
	c, running := m.active[sessionID]
	m.mu.Unlock()

	if running {
		return c.snapshot(), nil
	}

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return uptypes.Snapshot{}, err
	}
	return progress.Snapshot(sess, 0), nil
}

// Subscribe registers an event listener. The channel receives progress,
// chunk-completed, error, and status-changed events published after the
// subscription; call the returned function to unsubscribe.
func (m *Manager) Subscribe() (<-chan uptypes.Event, func()) {
	return m.broker.subscribe()
}

// Close pauses every live session, stops the background sweeper, and shuts
// down the event broker. The manager cannot be reused after Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*coordinator, 0, len(m.active))
	for _, c := range m.active {
		live = append(live, c)
	}
	m.mu.Unlock()

	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
	}

	for _, c := range live {
		// Sessions that finish on their own while closing are fine.
		if err := c.pause(); err != nil && !uperrors.IsInvalidTransition(err) {
			m.log.Warn("pause on close failed", "session", c.sessID, "error", err)
		}
	}

	m.broker.close()
	return nil
}

// launch registers a coordinator for the session and starts its run loop.
func (m *Manager) launch(sess *uptypes.Session) error {
	ctx, cancel := context.WithCancel(context.Background())
	c := &coordinator{
		sessID:      sess.ID,
		store:       m.store,
		exec:        m.exec,
		fsys:        m.cfg.Filesystem,
		bufs:        m.bufs,
		broker:      m.broker,
		log:         m.log,
		now:         m.now,
		concurrency: m.cfg.Concurrency,
		ctx:         ctx,
		cancel:      cancel,
		pauseCh:     make(chan struct{}),
		done:        make(chan struct{}),
		sess:        sess.Clone(),
		window:      progress.NewWindow(progress.DefaultWindowSpan, progress.DefaultWindowSamples),
	}
	c.onExit = func() {
		m.mu.Lock()
		delete(m.active, sess.ID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return uperrors.NewError("start", uperrors.ErrClosed).WithSession(sess.ID)
	}
	if _, ok := m.active[sess.ID]; ok {
		m.mu.Unlock()
		cancel()
		return uperrors.NewError("start", uperrors.ErrInvalidTransition).
			WithSession(sess.ID).
			WithMessage("session is already uploading")
	}
	m.active[sess.ID] = c
	m.mu.Unlock()

	go c.run()
	return nil
}

// detectMimeType resolves the session content type: caller override first,
// then content sniffing, then the file extension.
func (m *Manager) detectMimeType(path, override string) string {
	if override != "" {
		return override
	}

	if f, err := m.cfg.Filesystem.Open(path); err == nil {
		mt, derr := mimetype.DetectReader(f)
		_ = f.Close()
		if derr == nil && mt.String() != fallbackMimeType {
			return mt.String()
		}
	}

	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		// TypeByExtension may append charset parameters; keep the bare type.
		if i := strings.IndexByte(byExt, ';'); i > 0 {
			byExt = byExt[:i]
		}
		return byExt
	}
	return fallbackMimeType
}
