// Package batch implements the batch-file transport: market files published to an S3-compatible
// bucket are listed per data kind and each new object is delivered as one frame.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

const (
	maxObjectBytes = 16 << 20
	listPageSize   = 100
)

// ObjectLister is the subset of the S3 client used by the adapter.
type ObjectLister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientFactory builds the bucket client for a market at Connect.
type ClientFactory func(ctx context.Context, cfg market.Config) (ObjectLister, error)

// cursorStore remembers the last delivered key per market, bucket and prefix. It belongs to the
// factory so reconnects resume where the previous session stopped.
type cursorStore struct {
	mu   sync.Mutex
	last map[string]string
}

func newCursorStore() *cursorStore {
	return &cursorStore{mu: sync.Mutex{}, last: make(map[string]string)}
}

func cursorKey(cfg market.Config, prefix string) string {
	return cfg.ID + "|" + cfg.Endpoints.Bucket + "|" + prefix
}

func (c *cursorStore) get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[key]
}

func (c *cursorStore) advance(key, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if objectKey > c.last[key] {
		c.last[key] = objectKey
	}
}

// Adapter polls a bucket prefix per data kind. Objects are delivered in key order and each key once
// for the lifetime of the factory that built the adapter.
type Adapter struct {
	cfg       market.Config
	deps      shared.Deps
	logger    *zap.Logger
	newClient ClientFactory

	mu      sync.Mutex
	client  ObjectLister
	session *shared.Session
	kinds   *shared.KindSet
	cursors *cursorStore
	failed  int
}

// NewFactory returns a shared.Factory using newClient to reach the bucket. Adapters built by one
// factory share delivery cursors; register a single factory per process.
func NewFactory(newClient ClientFactory) shared.Factory {
	cursors := newCursorStore()
	return func(cfg market.Config, deps shared.Deps) (shared.Adapter, error) {
		if cfg.Transport != market.TransportBatchFile {
			return nil, fmt.Errorf("batch adapter: unexpected transport %q", cfg.Transport)
		}
		if strings.TrimSpace(cfg.Endpoints.Bucket) == "" {
			return nil, errs.New(cfg.ID, errs.CodeConfiguration, errs.WithMessage("batch market requires endpoints.bucket"))
		}
		deps = deps.WithDefaults()
		return &Adapter{
			cfg:       cfg,
			deps:      deps,
			logger:    deps.Logger.With(zap.String("market", cfg.ID), zap.String("transport", string(cfg.Transport))),
			newClient: newClient,
			mu:        sync.Mutex{},
			client:    nil,
			session:   nil,
			kinds:     shared.NewKindSet(),
			cursors:   cursors,
			failed:    0,
		}, nil
	}
}

// S3Client builds an S3 client from the market endpoints. BaseURL selects an S3-compatible
// endpoint with path-style addressing; api_key credentials carry a static key and secret.
func S3Client(ctx context.Context, cfg market.Config) (ObjectLister, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region := strings.TrimSpace(cfg.Endpoints.Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if cfg.Credential.Kind == market.CredentialAPIKey {
		key, secret := cfg.Credential.Params["key"], cfg.Credential.Params["secret"]
		if key == "" || secret == "" {
			return nil, errors.New("batch credentials require key and secret")
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(key, secret, cfg.Credential.Params["session_token"])))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoints.BaseURL); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Connect builds the client and probes the bucket with a single-key listing.
func (a *Adapter) Connect(ctx context.Context, listener shared.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return errors.New("batch adapter: already connected")
	}
	client, err := a.newClient(ctx, a.cfg)
	if err != nil {
		return shared.ConnectError(a.cfg.ID, "build bucket client", err)
	}
	if _, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.cfg.Endpoints.Bucket),
		MaxKeys: aws.Int32(1),
	}); err != nil {
		return shared.ConnectError(a.cfg.ID, "probe bucket", err)
	}
	a.client = client
	a.session = shared.NewSession(context.WithoutCancel(ctx), listener)
	return nil
}

// Subscribe starts a listing loop for each kind with a configured prefix.
func (a *Adapter) Subscribe(_ context.Context, kinds []schema.DataKind) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if !session.Live() {
		return errs.Precondition(a.cfg.ID, errs.CanonicalNotConnected, "subscribe requires a live session")
	}
	for _, kind := range kinds {
		if _, ok := a.cfg.Endpoints.Paths[kind]; !ok {
			return errs.NotSupported(a.cfg.ID, fmt.Sprintf("no object prefix for %s", kind))
		}
	}
	for _, kind := range a.kinds.Add(kinds) {
		kind := kind
		session.Go(func(ctx context.Context) { a.listLoop(ctx, session, kind) })
	}
	return nil
}

// Submit always fails: file drops carry no order entry.
func (a *Adapter) Submit(context.Context, map[string]any) (shared.SubmitResponse, error) {
	return shared.SubmitResponse{}, errs.NotSupported(a.cfg.ID, "batch markets do not accept orders")
}

// Disconnect stops every listing loop. It is idempotent.
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		session.Close()
	}
	return nil
}

// Live reports whether the session is active.
func (a *Adapter) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Live()
}

func (a *Adapter) listLoop(ctx context.Context, session *shared.Session, kind schema.DataKind) {
	ticker := a.deps.Clock.NewTicker(a.cfg.Settings.PollInterval(kind))
	defer ticker.Stop()
	a.poll(ctx, session, kind)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.poll(ctx, session, kind)
		}
	}
}

func (a *Adapter) poll(ctx context.Context, session *shared.Session, kind schema.DataKind) {
	if ctx.Err() != nil {
		return
	}
	if !a.deps.Governor.Admit(a.cfg.ID) {
		a.logger.Debug("listing skipped by rate governor", zap.String("data_kind", string(kind)))
		// throttling is local; the session is still alive
		session.Listener().OnHeartbeat()
		return
	}
	listener := session.Listener()
	frames, err := a.fetchNew(ctx, kind)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		listener.OnRequest(false)
		failures := a.recordFailure()
		a.logger.Warn("bucket listing failed", zap.String("data_kind", string(kind)), zap.Int("consecutive", failures), zap.Error(err))
		if failures >= a.cfg.Settings.PollFailureThreshold {
			session.Fail(errs.New(a.cfg.ID, errs.CodeConnection,
				errs.WithMessage(fmt.Sprintf("%d consecutive listing failures", failures)),
				errs.WithCause(err)))
		}
		return
	}
	a.resetFailures()
	listener.OnRequest(true)
	listener.OnHeartbeat()
	for _, frame := range frames {
		listener.OnFrame(frame)
	}
}

// fetchNew lists keys after the kind's cursor and downloads them in order. The cursor advances
// past each object read, so a failed download is retried on the next poll.
func (a *Adapter) fetchNew(ctx context.Context, kind schema.DataKind) ([]shared.Frame, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	prefix := a.cfg.Endpoints.Paths[kind]
	cursor := cursorKey(a.cfg, prefix)
	after := a.cursors.get(cursor)

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.cfg.Endpoints.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(listPageSize),
	}
	if after != "" {
		input.StartAfter = aws.String(after)
	}
	out, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	frames := make([]shared.Frame, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		body, err := a.download(ctx, client, key)
		if err != nil {
			if len(frames) > 0 {
				return frames, nil
			}
			return nil, err
		}
		frames = append(frames, shared.Frame{Kind: kind, Body: body, ReceivedAt: a.deps.Clock.Now()})
		a.cursors.advance(cursor, key)
	}
	return frames, nil
}

func (a *Adapter) download(ctx context.Context, client ObjectLister, key string) ([]byte, error) {
	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Endpoints.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Body.Close()
	body, err := io.ReadAll(io.LimitReader(obj.Body, maxObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return body, nil
}

func (a *Adapter) recordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++
	return a.failed
}

func (a *Adapter) resetFailures() {
	a.mu.Lock()
	a.failed = 0
	a.mu.Unlock()
}

var _ shared.Adapter = (*Adapter)(nil)
