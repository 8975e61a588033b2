package models

import (
	"encoding/json"
	"time"
)

// SourceKind identifies which family of vendor API a source belongs to.
type SourceKind string

const (
	SourceKindRates     SourceKind = "rates"
	SourceKindNews      SourceKind = "news"
	SourceKindSentiment SourceKind = "sentiment"
)

// RawObservation is one vendor item before normalisation. Payload is kept
// opaque until the vendor normaliser decodes it.
type RawObservation struct {
	SourceID  string
	Kind      SourceKind
	Vendor    string
	Payload   json.RawMessage
	FetchedAt time.Time
	CostUnits float64
}

// FetchBatch groups the observations returned by a single successful fetch so
// that downstream ordering follows fetch order.
type FetchBatch struct {
	SourceID     string
	Kind         SourceKind
	Vendor       string
	Priority     int
	Observations []RawObservation
	FetchedAt    time.Time
}
