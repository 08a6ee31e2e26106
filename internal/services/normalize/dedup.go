package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"cycletime-ingest/internal/models"
)

// Key is the ordered identity tuple of one logical observation
type Key []string

// String renders the key as (a,b,c)
func (k Key) String() string {
	return "(" + strings.Join(k, ",") + ")"
}

// Hash is the stored form of the key. Parts are trimmed and upper-cased first, so
// " mat789" and "MAT789" collide on upsert instead of duplicating.
func (k Key) Hash() string {
	folded := make([]string, len(k))
	for i, p := range k {
		folded[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(folded, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// CycleTimeKey derives (machine_name, date, time, material_number, operation_number)
func CycleTimeKey(r *models.CycleTimeRecord) Key {
	return Key{
		strings.TrimSpace(r.MachineName),
		r.Date.Format("2006-01-02"),
		strings.TrimSpace(r.Time),
		strings.TrimSpace(r.MaterialNumber),
		strings.TrimSpace(r.OperationNumber),
	}
}

// APIKey derives (machine_name, timestamp, source_endpoint)
func APIKey(r *models.ApiRecord) Key {
	return Key{
		strings.TrimSpace(r.MachineName),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(r.SourceEndpoint),
	}
}
