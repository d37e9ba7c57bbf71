package market

import (
	"sort"
	"strings"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// CanonicalField names a field of the canonical data model.
type CanonicalField string

const (
	FieldRecords   CanonicalField = "records"
	FieldSymbol    CanonicalField = "symbol"
	FieldTimestamp CanonicalField = "timestamp"
	FieldPrice     CanonicalField = "price"
	FieldVolume    CanonicalField = "volume"
	FieldCurrency  CanonicalField = "currency"
	FieldBids      CanonicalField = "bids"
	FieldAsks      CanonicalField = "asks"
	// FieldLevelPrice and FieldLevelQuantity address fields inside an order book level object.
	// When unset, levels are read as [price, quantity] pairs.
	FieldLevelPrice    CanonicalField = "level_price"
	FieldLevelQuantity CanonicalField = "level_quantity"
	FieldSide          CanonicalField = "side"
	FieldQuantity      CanonicalField = "quantity"
	FieldTradeID       CanonicalField = "trade_id"
	FieldStatus        CanonicalField = "status"
)

var allowedFields = map[schema.DataKind][]CanonicalField{
	schema.DataKindPrice:        {FieldRecords, FieldSymbol, FieldTimestamp, FieldPrice, FieldVolume, FieldCurrency},
	schema.DataKindOrderBook:    {FieldRecords, FieldSymbol, FieldTimestamp, FieldBids, FieldAsks, FieldLevelPrice, FieldLevelQuantity},
	schema.DataKindTrade:        {FieldRecords, FieldSymbol, FieldTimestamp, FieldPrice, FieldQuantity, FieldSide, FieldTradeID},
	schema.DataKindMarketStatus: {FieldRecords, FieldSymbol, FieldTimestamp, FieldStatus},
}

var requiredFields = map[schema.DataKind][]CanonicalField{
	schema.DataKindPrice:        {FieldPrice},
	schema.DataKindOrderBook:    {FieldBids, FieldAsks},
	schema.DataKindTrade:        {FieldPrice, FieldQuantity},
	schema.DataKindMarketStatus: {FieldStatus},
}

// FieldMapping maps each data kind to canonical field -> provider field path.
// Paths are dotted, with numeric segments indexing arrays ("data.0.px").
type FieldMapping map[schema.DataKind]map[CanonicalField]string

// Path returns the provider path for a canonical field.
func (m FieldMapping) Path(kind schema.DataKind, field CanonicalField) (string, bool) {
	fields, ok := m[kind]
	if !ok {
		return "", false
	}
	path, ok := fields[field]
	path = strings.TrimSpace(path)
	return path, ok && path != ""
}

// Kinds returns the mapped data kinds in canonical order.
func (m FieldMapping) Kinds() []schema.DataKind {
	out := make([]schema.DataKind, 0, len(m))
	for _, kind := range schema.AllDataKinds() {
		if _, ok := m[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Clone deep-copies the mapping.
func (m FieldMapping) Clone() FieldMapping {
	if m == nil {
		return nil
	}
	out := make(FieldMapping, len(m))
	for kind, fields := range m {
		out[kind] = cloneMap(fields)
	}
	return out
}

// Missing returns the required fields absent for kind, sorted.
func (m FieldMapping) Missing(kind schema.DataKind) []CanonicalField {
	var missing []CanonicalField
	for _, field := range requiredFields[kind] {
		if _, ok := m.Path(kind, field); !ok {
			missing = append(missing, field)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Unknown returns mapped fields that do not belong to kind, sorted.
func (m FieldMapping) Unknown(kind schema.DataKind) []CanonicalField {
	allowed := make(map[CanonicalField]struct{}, len(allowedFields[kind]))
	for _, f := range allowedFields[kind] {
		allowed[f] = struct{}{}
	}
	var unknown []CanonicalField
	for field := range m[kind] {
		if _, ok := allowed[field]; !ok {
			unknown = append(unknown, field)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return unknown
}

// OrderMapping maps canonical order fields onto the provider wire document.
type OrderMapping struct {
	// Fields maps canonical order field (symbol, side, quantity, price, type,
	// stop_price, time_in_force, client_order_id, market_id) to provider field name.
	Fields map[string]string `json:"fields,omitempty" yaml:"fields"`
	// ResponseIDPath locates the provider order id in the submit response.
	ResponseIDPath string `json:"responseIdPath,omitempty" yaml:"responseIdPath"`
	// ResponseErrorPath locates a provider error message in the submit response.
	ResponseErrorPath string `json:"responseErrorPath,omitempty" yaml:"responseErrorPath"`
}

// Field returns the provider name for a canonical order field, falling back to the canonical name.
func (o OrderMapping) Field(canonical string) string {
	if name := strings.TrimSpace(o.Fields[canonical]); name != "" {
		return name
	}
	return canonical
}
