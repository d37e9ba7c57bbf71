package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/schema"
)

func restMarket() Config {
	cfg := Config{
		ID:        "nordpool-da",
		Kind:      KindDayAhead,
		Transport: TransportREST,
		Endpoints: Endpoints{
			BaseURL: "https://api.example.test",
			Paths:   map[schema.DataKind]string{schema.DataKindPrice: "/prices"},
		},
		Mapping: FieldMapping{
			schema.DataKindPrice: {FieldPrice: "px", FieldVolume: "vol"},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg := restMarket()
	require.Equal(t, "nordpool-da", cfg.Name)
	require.Equal(t, CredentialNone, cfg.Credential.Kind)
	require.Equal(t, "type", cfg.Stream.TypeField)
	require.Equal(t, []schema.DataKind{schema.DataKindPrice}, cfg.Emits)
	require.Equal(t, 30*time.Second, cfg.Settings.ConnectionTimeout)
	require.Equal(t, 30*time.Second, cfg.Settings.HeartbeatTimeout())
	require.Equal(t, 3, cfg.Settings.PollFailureThreshold)
	require.Equal(t, DefaultPollInterval, cfg.Settings.PollInterval(schema.DataKindTrade))
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingRequiredMapping(t *testing.T) {
	cfg := restMarket()
	cfg.Emits = []schema.DataKind{schema.DataKindPrice, schema.DataKindOrderBook}
	cfg.Endpoints.Paths[schema.DataKindOrderBook] = "/book"
	cfg.Mapping[schema.DataKindOrderBook] = map[CanonicalField]string{FieldBids: "b"}

	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
	require.Contains(t, err.Error(), "order_book missing asks")
}

func TestValidateStreamingNeedsMessageRoutes(t *testing.T) {
	cfg := Config{
		ID:        "epex-id",
		Kind:      KindIntraday,
		Transport: TransportWebSocket,
		Endpoints: Endpoints{StreamURL: "wss://stream.example.test/ws"},
		Mapping: FieldMapping{
			schema.DataKindTrade: {FieldPrice: "p", FieldQuantity: "q"},
		},
	}
	cfg.Normalize()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no stream message type routes to trade")

	cfg.Stream.MessageTypes = map[string]schema.DataKind{"trade": schema.DataKindTrade}
	require.NoError(t, cfg.Validate())
}

func TestValidateCredentialParams(t *testing.T) {
	cfg := restMarket()
	cfg.Credential = Credential{Kind: CredentialOAuth2ClientCreds, Params: map[string]string{"client_id": "abc"}}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "client_secret")
	require.Contains(t, err.Error(), "token_url")
	require.True(t, cfg.Credential.RequiresAuth())
}

func TestValidateBatchCannotTrade(t *testing.T) {
	cfg := Config{
		ID:             "capacity-auction",
		Kind:           KindCapacity,
		Transport:      TransportBatchFile,
		TradingEnabled: true,
		Endpoints: Endpoints{
			Bucket: "results",
			Paths:  map[schema.DataKind]string{schema.DataKindPrice: "clearing/"},
		},
		Mapping: FieldMapping{schema.DataKindPrice: {FieldPrice: "clearing_price"}},
	}
	cfg.Normalize()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot enable trading")
}

func TestCloneIsDeep(t *testing.T) {
	cfg := restMarket()
	cp := cfg.Clone()
	cp.Mapping[schema.DataKindPrice][FieldPrice] = "changed"
	cp.Endpoints.Paths[schema.DataKindPrice] = "/other"
	path, _ := cfg.Mapping.Path(schema.DataKindPrice, FieldPrice)
	require.Equal(t, "px", path)
	require.Equal(t, "/prices", cfg.Endpoints.Paths[schema.DataKindPrice])
}

func TestSortByPriority(t *testing.T) {
	configs := []Config{{ID: "b", Priority: 1}, {ID: "a", Priority: 1}, {ID: "c", Priority: 5}}
	SortByPriority(configs)
	require.Equal(t, "c", configs[0].ID)
	require.Equal(t, "a", configs[1].ID)
	require.Equal(t, "b", configs[2].ID)
}
