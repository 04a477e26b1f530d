package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"crawlclean/internal/model"
)

// IdempotencyKey derives a stable key for a job submission from the
// owning credential, the job type, and the canonicalized parameters.
// Two submissions with the same key map to the same job row.
func IdempotencyKey(apiKeyID int64, jobType model.JobType, params []byte) string {
	canonical := canonicalJSON(params)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", apiKeyID, jobType, canonical)))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes a JSON document with object keys sorted so
// that key order in the request body does not change the digest.
func canonicalJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
