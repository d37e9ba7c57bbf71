// Package shared defines the transport adapter contract and helpers common to every transport.
package shared

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

// Frame is one inbound payload. Kind is set when the transport knows it (one poll path per kind);
// streaming transports leave it empty and the normalizer resolves it from the message type.
type Frame struct {
	Kind       schema.DataKind
	Body       []byte
	ReceivedAt time.Time
}

// Listener receives adapter callbacks. Implementations must not block.
type Listener interface {
	OnFrame(Frame)
	OnHeartbeat()
	OnRequest(ok bool)
	// OnFailure reports connection loss. Adapters call it at most once per Connect.
	OnFailure(error)
}

// SubmitResponse is the raw provider answer to an order submission.
type SubmitResponse struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r SubmitResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Adapter is one live session with a market. An adapter is connected at most once; reconnecting
// builds a fresh adapter.
type Adapter interface {
	Connect(ctx context.Context, listener Listener) error
	Subscribe(ctx context.Context, kinds []schema.DataKind) error
	// Submit sends wire to the provider. A non-nil error means the request did not complete.
	Submit(ctx context.Context, wire map[string]any) (SubmitResponse, error)
	Disconnect(ctx context.Context) error
	Live() bool
}

// Admitter gates outbound requests per market.
type Admitter interface {
	Admit(marketID string) bool
}

type admitAll struct{}

func (admitAll) Admit(string) bool { return true }

// Deps are the collaborators handed to adapter factories.
type Deps struct {
	Credentials credentials.Provider
	Governor    Admitter
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

// WithDefaults fills nil collaborators.
func (d Deps) WithDefaults() Deps {
	if d.Credentials == nil {
		d.Credentials = credentials.NewResolver()
	}
	if d.Governor == nil {
		d.Governor = admitAll{}
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Factory builds an adapter for one market.
type Factory func(cfg market.Config, deps Deps) (Adapter, error)
