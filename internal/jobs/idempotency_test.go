package jobs

import (
	"testing"

	"crawlclean/internal/model"
)

func TestIdempotencyKeyStableUnderKeyOrder(t *testing.T) {
	a := IdempotencyKey(1, model.JobTypeMap, []byte(`{"url":"https://example.com","max_depth":2}`))
	b := IdempotencyKey(1, model.JobTypeMap, []byte(`{"max_depth":2,"url":"https://example.com"}`))
	if a != b {
		t.Fatalf("key order changed the digest: %s vs %s", a, b)
	}
}

func TestIdempotencyKeyVariesByInputs(t *testing.T) {
	base := IdempotencyKey(1, model.JobTypeMap, []byte(`{"url":"https://example.com"}`))

	if got := IdempotencyKey(2, model.JobTypeMap, []byte(`{"url":"https://example.com"}`)); got == base {
		t.Fatalf("different credentials must not share keys")
	}
	if got := IdempotencyKey(1, model.JobTypeAgentExtract, []byte(`{"url":"https://example.com"}`)); got == base {
		t.Fatalf("different job types must not share keys")
	}
	if got := IdempotencyKey(1, model.JobTypeMap, []byte(`{"url":"https://example.org"}`)); got == base {
		t.Fatalf("different params must not share keys")
	}
}

func TestIdempotencyKeyNestedCanonicalization(t *testing.T) {
	a := IdempotencyKey(7, model.JobTypeSearchScrape, []byte(`{"query":"go","opts":{"b":2,"a":[1,2]}}`))
	b := IdempotencyKey(7, model.JobTypeSearchScrape, []byte(`{"opts":{"a":[1,2],"b":2},"query":"go"}`))
	if a != b {
		t.Fatalf("nested object keys not canonicalized")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", a)
	}
}
