package domain

import (
	"context"
	"testing"
)

func TestNoopContextLookupReturnsNoHits(t *testing.T) {
	var lookup ContextLookup = NoopContextLookup{}
	hits, err := lookup.LookupContext(context.Background(), "anything")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}
