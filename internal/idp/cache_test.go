package idp

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCacheLoadMarshalRoundTrip(t *testing.T) {
	original := NewCache()
	original.Put(Account{Username: "alice@example.org", HomeID: "sub-alice"}, "rt-alice", []string{"scope-a"})
	original.Put(Account{Username: "bob@example.org", HomeID: "sub-bob"}, "rt-bob", nil)

	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	restored := NewCache()
	if err := restored.Load(data); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if diff := cmp.Diff(original.Accounts(), restored.Accounts()); diff != "" {
		t.Errorf("accounts mismatch after round trip (-want +got):\n%s", diff)
	}
	if got := restored.RefreshToken(Account{Username: "alice@example.org", HomeID: "sub-alice"}); got != "rt-alice" {
		t.Errorf("RefreshToken(alice) = %q, want %q", got, "rt-alice")
	}
	if restored.HasChanged() {
		t.Error("HasChanged() = true immediately after Load()")
	}
}

func TestCacheLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "-----BEGIN PGP MESSAGE-----"},
		{name: "wrong shape", data: `[1,2,3]`},
		{name: "unknown version", data: `{"version":99,"accounts":[]}`},
		{name: "missing version", data: `{"accounts":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewCache().Load([]byte(tt.data)); err == nil {
				t.Errorf("Load(%q) should fail", tt.data)
			}
		})
	}
}

func TestCachePutDirtyTracking(t *testing.T) {
	account := Account{Username: "alice@example.org", HomeID: "sub-alice"}

	c := NewCache()
	if c.HasChanged() {
		t.Fatal("new cache should be clean")
	}

	// First write dirties.
	c.Put(account, "rt-1", nil)
	if !c.HasChanged() {
		t.Error("HasChanged() = false after first Put()")
	}

	// A load resets.
	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if err := c.Load(data); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.HasChanged() {
		t.Error("HasChanged() = true after Load()")
	}

	// Replaying the same refresh token is not a change.
	c.Put(account, "rt-1", nil)
	if c.HasChanged() {
		t.Error("HasChanged() = true after Put() with unchanged token")
	}

	// Rotation is.
	c.Put(account, "rt-2", nil)
	if !c.HasChanged() {
		t.Error("HasChanged() = false after rotated Put()")
	}
	if got := c.RefreshToken(account); got != "rt-2" {
		t.Errorf("RefreshToken() = %q, want %q", got, "rt-2")
	}

	// Still a single entry.
	if got := len(c.Accounts()); got != 1 {
		t.Errorf("len(Accounts()) = %d, want 1", got)
	}
}

func TestCachePutIgnoresEmptyToken(t *testing.T) {
	c := NewCache()
	c.Put(Account{Username: "alice@example.org"}, "", nil)

	if c.HasChanged() {
		t.Error("Put() with empty refresh token should be a no-op")
	}
	if got := len(c.Accounts()); got != 0 {
		t.Errorf("len(Accounts()) = %d, want 0", got)
	}
}

func TestCacheMatchesOnHomeID(t *testing.T) {
	c := NewCache()
	c.Put(Account{Username: "Alice@Example.org", HomeID: "sub-alice"}, "rt-1", nil)

	// Same subject, differently cased username: still the same account.
	c.Put(Account{Username: "alice@example.org", HomeID: "sub-alice"}, "rt-2", nil)

	accounts := c.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("len(Accounts()) = %d, want 1", len(accounts))
	}
	if accounts[0].Username != "alice@example.org" {
		t.Errorf("Username = %q, want the latest spelling", accounts[0].Username)
	}
	if got := c.RefreshToken(accounts[0]); got != "rt-2" {
		t.Errorf("RefreshToken() = %q, want %q", got, "rt-2")
	}
}

func TestCacheSerializedFormOmitsAccessTokens(t *testing.T) {
	c := NewCache()
	c.Put(Account{Username: "alice@example.org", HomeID: "sub-alice"}, "rt-1", []string{"scope-a"})

	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	serialized := string(data)
	for _, field := range []string{`"version":1`, `"username":"alice@example.org"`, `"refresh_token":"rt-1"`} {
		if !strings.Contains(serialized, field) {
			t.Errorf("serialized cache missing %s: %s", field, serialized)
		}
	}
	if strings.Contains(serialized, "access_token") {
		t.Errorf("serialized cache must not carry access tokens: %s", serialized)
	}
}
