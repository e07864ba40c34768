package sharing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/xaixapi/filelist/internal/metadata"
)

func newGate(t *testing.T, f *fixture) *Gate {
	t.Helper()
	f.meta.AddUser(metadata.User{ID: 7, Username: "seven", Token: "tok-7"})
	f.meta.AddUser(metadata.User{ID: 9, Username: "nine", Token: "tok-9"})
	f.meta.AddUser(metadata.User{ID: 11, Username: "eleven", Token: "tok-11", Public: true})
	f.meta.AddUser(metadata.User{ID: 1, Username: "root", Token: "tok-1", Admin: true})
	return NewGate(GateConfig{AuthEnabled: true, PublicNamespace: "0"}, f.meta, f.resolver)
}

type gateCase struct {
	user   *metadata.User
	rel    string
	method string
	key    string
	want   bool
}

func runGate(t *testing.T, g *Gate, tests []gateCase) {
	t.Helper()
	for _, tt := range tests {
		got, err := g.CanAccess(context.Background(), tt.user, tt.rel, tt.method, tt.key)
		if err != nil {
			t.Fatalf("CanAccess(%s %s): %v", tt.method, tt.rel, err)
		}
		if got != tt.want {
			t.Errorf("CanAccess(user=%v, %s %s, key=%q) = %v, want %v", tt.user, tt.method, tt.rel, tt.key, got, tt.want)
		}
	}
}

func TestGateAuthDisabled(t *testing.T) {
	f := newFixture(t)
	g := NewGate(GateConfig{}, f.meta, f.resolver)
	runGate(t, g, []gateCase{{nil, "9/secret", http.MethodDelete, "", true}})
}

func TestGateUserScenario(t *testing.T) {
	f := newFixture(t)
	g := newGate(t, f)
	f.write(t, "7/x/y.txt", "y")
	f.write(t, "9/p/q.txt", "q")
	f.write(t, "9/other.txt", "o")

	u7 := &metadata.User{ID: 7, Token: "tok-7"}
	u9 := &metadata.User{ID: 9, Token: "tok-9"}

	runGate(t, g, []gateCase{
		{u7, "7/x/y.txt", http.MethodGet, "", true},
		{u7, "7/x", http.MethodPost, "", true},
		{u7, "9/p/q.txt", http.MethodGet, "", false},
	})

	sh, _, err := f.resolver.CreateOrToggle(context.Background(), u9, "9/p", 0, false)
	if err != nil {
		t.Fatalf("CreateOrToggle: %v", err)
	}

	runGate(t, g, []gateCase{
		{u7, "9/p/q.txt", http.MethodGet, sh.ID, true},
		{nil, "9/p", http.MethodHead, sh.ID, true},
		{u7, "9/other.txt", http.MethodGet, sh.ID, false},
		// Prefix matching is segment aware.
		{u7, "9/pq", http.MethodGet, sh.ID, false},
		{u7, "9/p/q.txt", http.MethodPost, sh.ID, false},
		{u7, "9/p/q.txt", http.MethodDelete, sh.ID, false},
		{u7, "9/p/q.txt", http.MethodGet, "short", false},
	})
}

func TestGateNamespaces(t *testing.T) {
	f := newFixture(t)
	g := newGate(t, f)
	admin := &metadata.User{ID: 1, Admin: true}
	u7 := &metadata.User{ID: 7}

	runGate(t, g, []gateCase{
		{nil, "0/readme.md", http.MethodGet, "", true},
		{nil, "0/readme.md", http.MethodPost, "", false},
		{u7, "11/photo.jpg", http.MethodGet, "", true},
		{u7, "11/photo.jpg", http.MethodPut, "", false},
		{u7, "books/a", http.MethodGet, "", false},
		{u7, "404/a", http.MethodGet, "", false},
		{admin, "9/anything", http.MethodDelete, "", true},
	})
}

func TestGateExpiredShareKey(t *testing.T) {
	f := newFixture(t)
	g := newGate(t, f)
	ctx := context.Background()
	f.write(t, "9/p/q.txt", "q")
	u9 := &metadata.User{ID: 9, Token: "tok-9"}

	sh, _, err := f.resolver.CreateOrToggle(ctx, u9, "9/p", 1, false)
	if err != nil {
		t.Fatalf("CreateOrToggle: %v", err)
	}
	runGate(t, g, []gateCase{{nil, "9/p/q.txt", http.MethodGet, sh.ID, true}})

	f.clock.Advance(25 * time.Hour)
	runGate(t, g, []gateCase{{nil, "9/p/q.txt", http.MethodGet, sh.ID, false}})
	if _, err := f.meta.GetShare(ctx, sh.ID); err == nil {
		t.Error("expired share should be removed on access")
	}
}
