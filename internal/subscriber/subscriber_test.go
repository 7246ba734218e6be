package subscriber

import (
	"context"
	"testing"
)

func TestGetOrCreateMintsTokenOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.GetOrCreate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first GetOrCreate() reported created=false")
	}
	if first.Token == "" {
		t.Fatal("minted subscriber has no token")
	}

	second, created, err := store.GetOrCreate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if created {
		t.Error("second GetOrCreate() reported created=true")
	}
	if second.Token != first.Token {
		t.Errorf("token changed on repeat subscribe: %q then %q", first.Token, second.Token)
	}
}

func TestLookups(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("bob@example.com", "tok-bob")
	ctx := context.Background()

	byEmail, err := store.LookupByEmail(ctx, "bob@example.com")
	if err != nil || byEmail == nil || byEmail.Token != "tok-bob" {
		t.Fatalf("LookupByEmail() = %+v, %v", byEmail, err)
	}
	byToken, err := store.LookupByToken(ctx, "tok-bob")
	if err != nil || byToken == nil || byToken.Email != "bob@example.com" {
		t.Fatalf("LookupByToken() = %+v, %v", byToken, err)
	}

	missing, err := store.LookupByToken(ctx, "no-such-token")
	if err != nil {
		t.Fatalf("LookupByToken() error = %v", err)
	}
	if missing != nil {
		t.Errorf("LookupByToken() = %+v for unknown token, want nil", missing)
	}
}
