// Package record defines the ExchangeRecord envelope, the per-dataset
// Manifest, and the engine error taxonomy.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/interchange-dev/packmirror/internal/canon"
)

// SchemaVersion is the envelope schema version stamped on new records.
const SchemaVersion = 1

// TimeLayout is the fixed timestamp rendering for observed_at_utc and the
// audit columns. Microsecond precision, always UTC, always the same width,
// so canonical record lines are byte-stable.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Provenance describes where a capture came from. Informational only:
// provenance is never part of the content hash.
type Provenance struct {
	Runner   string `json:"runner,omitempty"`
	Host     string `json:"host,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// ExchangeRecord is the portable envelope for one captured interaction.
//
// ContentSHA256 is derived from exactly six fields — exchange_type,
// source_system, entity_type, natural_key, request, response — after
// redaction. ObservedAt and Provenance are excluded so two captures of
// identical logical content at different times hash identically.
type ExchangeRecord struct {
	ExchangeID        string      `json:"exchange_id"`
	ExchangeType      string      `json:"exchange_type"`
	SourceSystem      string      `json:"source_system"`
	EntityType        string      `json:"entity_type"`
	NaturalKey        string      `json:"natural_key,omitempty"`
	Request           canon.Value `json:"-"`
	Response          canon.Value `json:"-"`
	ObservedAt        time.Time   `json:"-"`
	Provenance        Provenance  `json:"provenance"`
	ContentSHA256     string      `json:"content_sha256"`
	SchemaVersion     int         `json:"schema_version"`
	Tags              []string    `json:"tags"`
	RedactionsApplied []string    `json:"redactions_applied"`
}

// New creates a record with a fresh exchange_id, the current UTC
// timestamp, and the content hash computed over the hashed fields.
// Redaction, when wanted, must already have been applied to request and
// response before calling New.
func New(exchangeType, sourceSystem, entityType, naturalKey string, request, response canon.Value, prov Provenance) (ExchangeRecord, error) {
	rec := ExchangeRecord{
		ExchangeID:    uuid.NewString(),
		ExchangeType:  exchangeType,
		SourceSystem:  sourceSystem,
		EntityType:    entityType,
		NaturalKey:    naturalKey,
		Request:       request,
		Response:      response,
		ObservedAt:    time.Now().UTC().Truncate(time.Microsecond),
		Provenance:    prov,
		SchemaVersion: SchemaVersion,
	}

	hash, err := rec.ComputeHash()
	if err != nil {
		return ExchangeRecord{}, err
	}
	rec.ContentSHA256 = hash
	return rec, nil
}

// ComputeHash returns the content hash of the record: SHA-256 of the
// canonical JSON of the five identity fields plus natural_key. A missing
// natural key hashes as canonical null.
func (r ExchangeRecord) ComputeHash() (string, error) {
	var naturalKey canon.Value = canon.Null{}
	if r.NaturalKey != "" {
		naturalKey = canon.String(r.NaturalKey)
	}
	var request canon.Value = canon.Null{}
	if r.Request != nil {
		request = r.Request
	}
	var response canon.Value = canon.Null{}
	if r.Response != nil {
		response = r.Response
	}

	hash, err := canon.Hash(canon.Object{
		"exchange_type": canon.String(r.ExchangeType),
		"source_system": canon.String(r.SourceSystem),
		"entity_type":   canon.String(r.EntityType),
		"natural_key":   naturalKey,
		"request":       request,
		"response":      response,
	})
	if err != nil {
		return "", fmt.Errorf("compute content hash: %w", err)
	}
	return hash, nil
}

// VerifyHash recomputes the content hash and returns a HashMismatch
// error when it disagrees with the declared one. Integrity errors are
// never silently corrected.
func (r ExchangeRecord) VerifyHash() error {
	computed, err := r.ComputeHash()
	if err != nil {
		return err
	}
	if computed != r.ContentSHA256 {
		return NewHashMismatch(r.ExchangeID, r.ContentSHA256, computed)
	}
	return nil
}

// CompositeKey returns "source|entity|natural_key", the identity used for
// conflict detection. Records without a natural key return "" and never
// participate in conflicts.
func (r ExchangeRecord) CompositeKey() string {
	if r.NaturalKey == "" {
		return ""
	}
	return r.SourceSystem + "|" + r.EntityType + "|" + r.NaturalKey
}

// EncodeLine renders the record as one canonical-JSON line (without the
// trailing LF). All record lines in chunk files use this encoding so
// byte-identical packs are reproducible.
func (r ExchangeRecord) EncodeLine() ([]byte, error) {
	obj := canon.Object{
		"exchange_id":        canon.String(r.ExchangeID),
		"exchange_type":      canon.String(r.ExchangeType),
		"source_system":      canon.String(r.SourceSystem),
		"entity_type":        canon.String(r.EntityType),
		"observed_at_utc":    canon.String(r.ObservedAt.UTC().Format(TimeLayout)),
		"content_sha256":     canon.String(r.ContentSHA256),
		"schema_version":     canon.Int(r.SchemaVersion),
		"tags":               stringSetValue(r.Tags),
		"redactions_applied": stringListValue(r.RedactionsApplied),
	}
	if r.NaturalKey != "" {
		obj["natural_key"] = canon.String(r.NaturalKey)
	} else {
		obj["natural_key"] = canon.Null{}
	}
	if r.Request != nil {
		obj["request"] = r.Request
	} else {
		obj["request"] = canon.Null{}
	}
	if r.Response != nil {
		obj["response"] = r.Response
	} else {
		obj["response"] = canon.Null{}
	}

	prov := canon.Object{}
	if r.Provenance.Runner != "" {
		prov["runner"] = canon.String(r.Provenance.Runner)
	}
	if r.Provenance.Host != "" {
		prov["host"] = canon.String(r.Provenance.Host)
	}
	if r.Provenance.Revision != "" {
		prov["revision"] = canon.String(r.Provenance.Revision)
	}
	obj["provenance"] = prov

	line, err := canon.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ExchangeID, err)
	}
	return line, nil
}

// lineEnvelope is the shadow shape for decoding record lines. Request and
// response stay raw until converted to canon values; unknown extra fields
// are ignored for forward compatibility.
type lineEnvelope struct {
	ExchangeID        string          `json:"exchange_id"`
	ExchangeType      string          `json:"exchange_type"`
	SourceSystem      string          `json:"source_system"`
	EntityType        string          `json:"entity_type"`
	NaturalKey        *string         `json:"natural_key"`
	Request           json.RawMessage `json:"request"`
	Response          json.RawMessage `json:"response"`
	ObservedAt        string          `json:"observed_at_utc"`
	Provenance        Provenance      `json:"provenance"`
	ContentSHA256     string          `json:"content_sha256"`
	SchemaVersion     int             `json:"schema_version"`
	Tags              []string        `json:"tags"`
	RedactionsApplied []string        `json:"redactions_applied"`
}

// DecodeLine parses one chunk-file line back into an ExchangeRecord.
// The declared hash is NOT verified here; readers that trust nothing
// call VerifyHash after decoding.
func DecodeLine(data []byte) (ExchangeRecord, error) {
	var env lineEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ExchangeRecord{}, fmt.Errorf("decode record line: %w", err)
	}

	observedAt, err := time.Parse(TimeLayout, env.ObservedAt)
	if err != nil {
		// Accept RFC 3339 for lines written by other implementations.
		observedAt, err = time.Parse(time.RFC3339Nano, env.ObservedAt)
		if err != nil {
			return ExchangeRecord{}, fmt.Errorf("decode record %s: bad observed_at_utc %q: %w", env.ExchangeID, env.ObservedAt, err)
		}
	}

	rec := ExchangeRecord{
		ExchangeID:        env.ExchangeID,
		ExchangeType:      env.ExchangeType,
		SourceSystem:      env.SourceSystem,
		EntityType:        env.EntityType,
		ObservedAt:        observedAt.UTC(),
		Provenance:        env.Provenance,
		ContentSHA256:     env.ContentSHA256,
		SchemaVersion:     env.SchemaVersion,
		Tags:              env.Tags,
		RedactionsApplied: env.RedactionsApplied,
	}
	if env.NaturalKey != nil {
		rec.NaturalKey = *env.NaturalKey
	}

	if len(env.Request) > 0 && string(env.Request) != "null" {
		rec.Request, err = canon.FromJSON(env.Request)
		if err != nil {
			return ExchangeRecord{}, fmt.Errorf("decode record %s: request: %w", env.ExchangeID, err)
		}
	}
	if len(env.Response) > 0 && string(env.Response) != "null" {
		rec.Response, err = canon.FromJSON(env.Response)
		if err != nil {
			return ExchangeRecord{}, fmt.Errorf("decode record %s: response: %w", env.ExchangeID, err)
		}
	}

	return rec, nil
}

// stringSetValue renders tags as a sorted canonical array. Tags are a
// set: order carries no meaning, so rendering is normalized.
func stringSetValue(tags []string) canon.Array {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	arr := make(canon.Array, len(sorted))
	for i, t := range sorted {
		arr[i] = canon.String(t)
	}
	return arr
}

// stringListValue renders an ordered list of strings (redaction rule
// names keep their application order).
func stringListValue(items []string) canon.Array {
	arr := make(canon.Array, len(items))
	for i, s := range items {
		arr[i] = canon.String(s)
	}
	return arr
}
