// Package adapters binds every built-in transport to its factory.
package adapters

import (
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/infra/adapters/batch"
	"github.com/coachpo/voltlink/internal/infra/adapters/rest"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/adapters/stream"
)

// NewRegistry returns a registry with the REST, WebSocket and batch-file transports registered.
func NewRegistry() *shared.Registry {
	reg := shared.NewRegistry()
	Register(reg)
	return reg
}

// Register adds the built-in transports to reg.
func Register(reg *shared.Registry) {
	reg.Register(market.TransportREST, rest.New)
	reg.Register(market.TransportWebSocket, stream.New)
	reg.Register(market.TransportBatchFile, batch.NewFactory(batch.S3Client))
}
