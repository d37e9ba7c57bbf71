package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var errMissing = errors.New("field missing")

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return decimal.Zero, errMissing
		}
		return decimal.NewFromString(trimmed)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("non-finite number")
		}
		return decimal.NewFromFloat(t), nil
	case nil:
		return decimal.Zero, errMissing
	default:
		return decimal.Zero, fmt.Errorf("unexpected %T", v)
	}
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds. Seconds values stay
// below it until the year 5138; millisecond values exceed it after March 1973.
const epochMillisThreshold = 1e11

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// asTime accepts epoch milliseconds, epoch seconds (integer or fractional) and RFC 3339 strings.
// Zoneless layouts are read as UTC.
func asTime(v any) (time.Time, error) {
	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
	case float64:
		text = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return time.Time{}, fmt.Errorf("unexpected %T", v)
	}
	if text == "" {
		return time.Time{}, errMissing
	}
	if num, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(num) || math.IsInf(num, 0) || num < 0 {
			return time.Time{}, fmt.Errorf("invalid epoch %q", text)
		}
		if math.Abs(num) >= epochMillisThreshold {
			return time.UnixMilli(int64(num)).UTC(), nil
		}
		sec, frac := math.Modf(num)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", text)
}
