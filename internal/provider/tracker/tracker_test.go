package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL: srv.URL,
		Tokens:  StaticToken("tracker-token"),
	})
}

func TestListUsersSendsBearerToken(t *testing.T) {
	var gotAuth string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(userListResponse{
			Users: []wireUser{
				{ID: "1", Email: "Alice@Example.com", Name: "Alice Ng", Active: true},
				{ID: "2", Email: "bob@example.com", Name: "Bob", Active: false},
			},
			Next: "c2",
		})
	}))

	page, err := a.ListUsers(context.Background(), "")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if gotAuth != "Bearer tracker-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if page.NextCursor != "c2" {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
	alice := page.Users[0]
	if alice.PrimaryEmail != "alice@example.com" || alice.GivenName != "Alice" || alice.FamilyName != "Ng" {
		t.Fatalf("alice = %+v", alice)
	}
	if page.Users[1].Status != canon.StatusSuspended {
		t.Fatalf("inactive user status = %q", page.Users[1].Status)
	}
}

func TestMissingTokenProviderFailsClosed(t *testing.T) {
	a := New(Options{BaseURL: "http://localhost:0"})
	_, err := a.ListUsers(context.Background(), "")
	if !ioerr.IsKind(err, ioerr.KindCredentialUnavailable) {
		t.Fatalf("err = %v, want credential_unavailable", err)
	}
}

func TestAddMemberConflictConverges(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/teams":
			json.NewEncoder(w).Encode(teamListResponse{
				Teams: []wireTeam{{ID: "t1", Email: "eng@example.com", Name: "Engineering"}},
			})
		case r.URL.Path == "/api/users":
			json.NewEncoder(w).Encode(userListResponse{
				Users: []wireUser{{ID: "u1", Email: "alice@example.com", Active: true}},
			})
		case strings.HasPrefix(r.URL.Path, "/api/teams/t1/members/") && r.Method == http.MethodPut:
			w.WriteHeader(http.StatusConflict)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	res, err := a.AddMember(context.Background(), "eng@example.com", "alice@example.com", canon.RoleMember)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if !res.AlreadyPresent {
		t.Fatal("conflicting add should converge as AlreadyPresent")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := a.ListUsers(context.Background(), "")
	if !ioerr.IsKind(err, ioerr.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		in            string
		given, family string
	}{
		{"", "", ""},
		{"Cher", "Cher", ""},
		{"Alice Ng", "Alice", "Ng"},
		{"Mary Jane Watson", "Mary", "Jane Watson"},
	}
	for _, tc := range cases {
		given, family := splitName(tc.in)
		if given != tc.given || family != tc.family {
			t.Errorf("splitName(%q) = %q, %q", tc.in, given, family)
		}
	}
}
