package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/dropin/internal/platform/config"
	"github.com/hanko-field/dropin/internal/repositories"
)

const (
	defaultDialTimeout = 10 * time.Second
	txAttempts         = 5
	txTimeout          = 15 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// Provider owns the process-wide Firestore client. The client is dialled on first use so a
// memory-backed deployment that never touches Firestore never needs credentials.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	extraOpts   []option.ClientOption

	dial   singleflight.Group
	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

type ProviderOption func(*Provider)

func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.extraOpts = append(p.extraOpts, opts...)
	}
}

func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{cfg: cfg, dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) current() (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.client, nil
}

// Client returns the shared client, dialling it on first use. Concurrent first callers share one
// dial, and a caller whose context ends stops waiting without cancelling the dial for the others.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if client, err := p.current(); err != nil || client != nil {
		return client, err
	}

	ch := p.dial.DoChan("client", func() (any, error) {
		client, err := p.newClient(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case p.closed:
			_ = client.Close()
			return nil, ErrProviderClosed
		case p.client != nil:
			_ = client.Close()
		default:
			p.client = client
		}
		return p.client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*firestore.Client), nil
	}
}

func (p *Provider) newClient(ctx context.Context) (*firestore.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	projectID := firstNonEmpty(p.cfg.ProjectID, os.Getenv(envGoogleProjectID))
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID, p.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// clientOptions targets the emulator, unauthenticated over plaintext gRPC, when one is configured
// or FIRESTORE_EMULATOR_HOST is already exported.
func (p *Provider) clientOptions() []option.ClientOption {
	opts := append([]option.ClientOption(nil), p.extraOpts...)
	host := firstNonEmpty(p.cfg.EmulatorHost, os.Getenv(envEmulatorHost))
	if host == "" {
		return opts
	}
	if os.Getenv(envEmulatorHost) == "" {
		_ = os.Setenv(envEmulatorHost, host)
	}
	return append(opts,
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}

// Close releases the client; the Provider is unusable afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Ping reads a sentinel document; a missing document still proves the backend answers.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection("_health").Doc("ping").Get(ctx)
	if err = WrapError("firestore.ping", err); repositories.IsNotFound(err) {
		return nil
	}
	return err
}

// RunTransaction runs fn with bounded retries. The provider caps the overall time so a contended
// session document cannot pin a request indefinitely.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}
	err = client.RunTransaction(ctx, fn, firestore.MaxAttempts(txAttempts))
	return WrapError("firestore.transaction", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
