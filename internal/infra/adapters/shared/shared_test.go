package shared

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

type recordingListener struct {
	mu       sync.Mutex
	failures []error
}

func (*recordingListener) OnFrame(Frame)  {}
func (*recordingListener) OnHeartbeat()   {}
func (*recordingListener) OnRequest(bool) {}
func (l *recordingListener) OnFailure(err error) {
	l.mu.Lock()
	l.failures = append(l.failures, err)
	l.mu.Unlock()
}

func TestSessionFailReportsOnce(t *testing.T) {
	l := &recordingListener{}
	s := NewSession(context.Background(), l)
	require.True(t, s.Live())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Fail(errors.New("read: eof"))
		}()
	}
	wg.Wait()
	require.Len(t, l.failures, 1)
	require.False(t, s.Live())
	require.Error(t, s.Context().Err())
}

func TestSessionCloseSuppressesFailure(t *testing.T) {
	l := &recordingListener{}
	s := NewSession(context.Background(), l)
	done := make(chan struct{})
	s.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	s.Close()
	<-done
	s.Fail(errors.New("late"))
	require.Empty(t, l.failures)
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(market.Config{ID: "m", Transport: market.TransportREST}, Deps{})
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	var gotDeps Deps
	r.Register(market.TransportREST, func(_ market.Config, deps Deps) (Adapter, error) {
		gotDeps = deps
		return nil, errors.New("boom")
	})
	_, err = r.Build(market.Config{ID: "m", Transport: market.TransportREST}, Deps{})
	require.EqualError(t, err, "build rest adapter for m: boom")
	require.NotNil(t, gotDeps.Governor, "defaults applied")
	require.NotNil(t, gotDeps.Logger)
	require.Equal(t, []market.Transport{market.TransportREST}, r.Transports())
}

func TestKindSet(t *testing.T) {
	s := NewKindSet()
	require.Equal(t, []schema.DataKind{schema.DataKindTrade, schema.DataKindPrice}, s.Add([]schema.DataKind{schema.DataKindTrade, schema.DataKindPrice}))
	require.Equal(t, []schema.DataKind{schema.DataKindOrderBook}, s.Add([]schema.DataKind{schema.DataKindPrice, schema.DataKindOrderBook}))
	require.True(t, s.Has(schema.DataKindTrade))
	require.Len(t, s.List(), 3)
}

func TestPostJSONReturnsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"qty":"5"}`, string(body))
		require.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad qty"}`))
	}))
	defer srv.Close()

	tok, err := credentials.NewResolver().Acquire(context.Background(), "m", market.Credential{Kind: market.CredentialBearer, Params: map[string]string{"token": "t"}})
	require.NoError(t, err)
	resp, err := PostJSON(context.Background(), srv.Client(), srv.URL, tok, map[string]any{"qty": "5"})
	require.NoError(t, err)
	require.False(t, resp.OK())
	require.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestOrdersURLAndJoin(t *testing.T) {
	require.Equal(t, "https://x/api/orders", OrdersURL(market.Endpoints{BaseURL: "https://x/api/"}))
	require.Equal(t, "https://o/submit", OrdersURL(market.Endpoints{BaseURL: "https://x", OrdersURL: "https://o/submit"}))
	require.Equal(t, "", OrdersURL(market.Endpoints{}))
	require.Equal(t, "https://x/api/prices", JoinURL("https://x/api/", "/prices"))
	require.Equal(t, "https://y/p", JoinURL("https://x", "https://y/p"))
}

func TestLookupWalksObjectsAndArrays(t *testing.T) {
	doc, err := DecodeJSON([]byte(`{"data":[{"px":41.125,"sym":"DE-LU"}],"meta":{"ok":null}}`))
	require.NoError(t, err)

	px, ok := Lookup(doc, "data.0.px")
	require.True(t, ok)
	require.Equal(t, json.Number("41.125"), px, "numbers keep their literal text")
	sym, ok := Lookup(doc, "data.0.sym")
	require.True(t, ok)
	require.Equal(t, "DE-LU", sym)

	root, ok := Lookup(doc, "")
	require.True(t, ok)
	require.Equal(t, doc, root)

	for _, path := range []string{"data.1.px", "data.x", "data.-1", "meta.ok", "meta.ok.deeper", "missing"} {
		_, ok := Lookup(doc, path)
		require.False(t, ok, path)
	}
}

func TestMergeContextEndsWithEitherParent(t *testing.T) {
	session, endSession := context.WithCancel(context.Background())
	merged, cancel := MergeContext(context.Background(), session)
	defer cancel()
	endSession()
	require.Eventually(t, func() bool { return merged.Err() != nil }, time.Second, time.Millisecond)

	caller, endCall := context.WithCancel(context.Background())
	merged, cancel = MergeContext(caller, context.Background())
	defer cancel()
	endCall()
	require.ErrorIs(t, merged.Err(), context.Canceled)
}
