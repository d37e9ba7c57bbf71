package adapters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/internal/domain/market"
)

func TestBuiltinTransportsRegistered(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, []market.Transport{market.TransportBatchFile, market.TransportREST, market.TransportWebSocket}, reg.Transports())
}
