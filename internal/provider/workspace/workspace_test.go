package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
)

func TestMapErrTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ioerr.Kind
	}{
		{"bad request", &googleapi.Error{Code: 400}, ioerr.KindMalformed},
		{"unauthorized", &googleapi.Error{Code: 401}, ioerr.KindAuthExpired},
		{"forbidden", &googleapi.Error{Code: 403}, ioerr.KindForbidden},
		{"rate limited 403", &googleapi.Error{
			Code:   403,
			Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
		}, ioerr.KindTransient},
		{"not found", &googleapi.Error{Code: 404}, ioerr.KindNotFound},
		{"duplicate", &googleapi.Error{Code: 409}, ioerr.KindConflict},
		{"throttled", &googleapi.Error{Code: 429}, ioerr.KindTransient},
		{"server error", &googleapi.Error{Code: 503}, ioerr.KindTransient},
		{"deadline", context.DeadlineExceeded, ioerr.KindTimeout},
		{"cancelled", context.Canceled, ioerr.KindCancelled},
		{"opaque", errors.New("boom"), ioerr.KindInternal},
	}
	for _, tc := range cases {
		if got := ioerr.KindOf(mapErr("op", tc.err)); got != tc.want {
			t.Errorf("%s: kind = %s, want %s", tc.name, got, tc.want)
		}
	}
	if mapErr("op", nil) != nil {
		t.Error("nil error must map to nil")
	}
}

// newTestAdapter points all three services at a local server.
func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := New(context.Background(), Options{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestListUsersMapsWireFormat(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/users") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"users": [{
				"primaryEmail": "Alice@Example.com",
				"name": {"givenName": "Alice", "familyName": "Ng", "fullName": "Alice Ng"},
				"suspended": false,
				"orgUnitPath": "/Engineering",
				"lastLoginTime": "2026-08-01T12:00:00Z"
			}, {
				"primaryEmail": "bob@example.com",
				"name": {"givenName": "Bob", "familyName": "Ito"},
				"suspended": true
			}],
			"nextPageToken": "page-2"
		}`)
	}))

	page, err := a.ListUsers(context.Background(), "")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if page.NextCursor != "page-2" {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
	if len(page.Users) != 2 {
		t.Fatalf("users = %d", len(page.Users))
	}
	alice := page.Users[0]
	if alice.PrimaryEmail != "alice@example.com" {
		t.Fatalf("email not normalized: %q", alice.PrimaryEmail)
	}
	if alice.Status != canon.StatusActive || alice.OrgUnitPath != "/Engineering" {
		t.Fatalf("alice = %+v", alice)
	}
	if alice.LastLogin.IsZero() {
		t.Fatal("last login not parsed")
	}
	if bob := page.Users[1]; bob.Status != canon.StatusSuspended {
		t.Fatalf("bob status = %q", bob.Status)
	}
}

func TestAddMemberDuplicateConverges(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": {"code": 409, "message": "Member already exists.",
			"errors": [{"reason": "duplicate"}]}}`)
	}))

	res, err := a.AddMember(context.Background(), "eng@example.com", "alice@example.com", canon.RoleMember)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if !res.AlreadyPresent {
		t.Fatal("duplicate insert should converge as AlreadyPresent")
	}
}

func TestSuspendConvergedSkipsWrite(t *testing.T) {
	patches := 0
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"primaryEmail": "alice@example.com", "suspended": true}`)
		case http.MethodPatch:
			patches++
			fmt.Fprint(w, `{}`)
		}
	}))

	res, err := a.SuspendUser(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !res.AlreadyPresent {
		t.Fatal("suspending a suspended user should converge")
	}
	if patches != 0 {
		t.Fatalf("converged suspend issued %d writes", patches)
	}
}

func TestGrantSameRoleConverges(t *testing.T) {
	creates := 0
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"permissions": [
				{"id": "p1", "type": "user", "role": "writer", "emailAddress": "Alice@Example.com"}
			]}`)
		case http.MethodPost:
			creates++
			fmt.Fprint(w, `{"id": "p2"}`)
		}
	}))

	res, err := a.Grant(context.Background(), canon.FileACL{
		FileID:        "doc-42",
		PrincipalID:   "alice@example.com",
		PrincipalKind: canon.PrincipalUser,
		Role:          canon.ACLWriter,
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !res.AlreadyPresent {
		t.Fatal("same-role grant should converge")
	}
	if creates != 0 {
		t.Fatalf("converged grant issued %d creates", creates)
	}
}

func TestOrgUnitsIncludeRoot(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"organizationUnits": [
			{"orgUnitPath": "/Engineering", "name": "Engineering"},
			{"orgUnitPath": "/Engineering/Platform", "name": "Platform"}
		]}`)
	}))

	ous, err := a.ListOrgUnits(context.Background())
	if err != nil {
		t.Fatalf("list org units: %v", err)
	}
	if len(ous) != 3 || ous[0].Path != "/" {
		t.Fatalf("org units = %+v", ous)
	}
	if ous[2].ParentPath() != "/Engineering" {
		t.Fatalf("parent of %q = %q", ous[2].Path, ous[2].ParentPath())
	}
}
