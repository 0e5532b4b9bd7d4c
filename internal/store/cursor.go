package store

import (
	"encoding/base64"
	"fmt"
	"time"

	"priceverse/internal/core/errs"
)

// EncodeCursor packs a candle boundary into an opaque keyset cursor:
// base64 of the period start in RFC3339Nano.
func EncodeCursor(periodStart time.Time) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(periodStart.UTC().Format(time.RFC3339Nano)))
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.CodeInvalidParams, err,
			"invalid cursor encoding")
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, errs.Wrap(errs.CodeInvalidParams, err,
			fmt.Sprintf("invalid cursor timestamp %q", string(raw)))
	}
	return t, nil
}
