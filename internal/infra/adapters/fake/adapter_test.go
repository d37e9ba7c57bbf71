package fake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

type listener struct {
	mu       sync.Mutex
	frames   int
	failures int
}

func (l *listener) OnFrame(shared.Frame) { l.mu.Lock(); l.frames++; l.mu.Unlock() }
func (*listener) OnHeartbeat()           {}
func (*listener) OnRequest(bool)         {}
func (l *listener) OnFailure(error)      { l.mu.Lock(); l.failures++; l.mu.Unlock() }

func TestScriptedConnectErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewProvider(Script{ConnectErrs: []error{boom, nil}})
	factory := p.Factory()

	first, err := factory(market.Config{ID: "m"}, shared.Deps{})
	require.NoError(t, err)
	require.ErrorIs(t, first.Connect(context.Background(), &listener{}), boom)
	require.False(t, first.Live())

	second, err := factory(market.Config{ID: "m"}, shared.Deps{})
	require.NoError(t, err)
	require.NoError(t, second.Connect(context.Background(), &listener{}))
	require.True(t, second.Live())
	require.Equal(t, 2, p.Connects())
	require.Len(t, p.Adapters(), 2)
}

func TestEmitFailAndSubmit(t *testing.T) {
	p := NewProvider(Script{})
	adapter, err := p.Factory()(market.Config{ID: "m"}, shared.Deps{})
	require.NoError(t, err)
	l := &listener{}
	require.NoError(t, adapter.Connect(context.Background(), l))

	fa := p.Last()
	require.NoError(t, fa.Emit(schema.DataKindPrice, []byte(`{}`)))
	require.NoError(t, adapter.Subscribe(context.Background(), []schema.DataKind{schema.DataKindPrice}))
	require.Equal(t, []schema.DataKind{schema.DataKindPrice}, fa.Subscribed())

	resp, err := adapter.Submit(context.Background(), map[string]any{"q": 1})
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.Equal(t, 1, p.Submits())

	require.NoError(t, fa.Fail(errors.New("dropped")))
	require.ErrorIs(t, fa.Fail(errors.New("again")), ErrNotConnected)
	require.Equal(t, 1, l.frames)
	require.Equal(t, 1, l.failures)
	require.False(t, adapter.Live())
}
