// Package provider defines the adapter contract every external system
// implements, the registry that resolves adapters by name, and the
// field-level preconditions enforced before any wire call. Adapters
// translate between provider wire formats and the canonical model; they
// never retain references to the values they return.
package provider

import (
	"context"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
)

// Well-known provider names.
const (
	Workspace = "workspace"
	IMS       = "ims"
	Tracker   = "tracker"
)

// DefaultPageSize bounds list pages: the smaller of 200 and the provider's
// stated maximum.
const DefaultPageSize = 200

// PageSize clamps the default against a provider maximum.
func PageSize(providerMax int) int {
	if providerMax > 0 && providerMax < DefaultPageSize {
		return providerMax
	}
	return DefaultPageSize
}

// UserPage is one page of a lazy user listing.
type UserPage struct {
	Users      []canon.User
	NextCursor string
}

// GroupPage is one page of a lazy group listing.
type GroupPage struct {
	Groups     []canon.Group
	NextCursor string
}

// MemberPage is one page of a lazy membership listing.
type MemberPage struct {
	Members    []canon.Membership
	NextCursor string
}

// MutationResult reports an idempotent mutation outcome. A mutation against
// already-converged state succeeds with the matching flag set; callers rely
// on this for safe retry.
type MutationResult struct {
	AlreadyPresent bool
	AlreadyAbsent  bool
}

// Directory is the capability set shared by every provider adapter.
// All list calls are cursor-paged; an empty cursor starts the listing and
// an empty NextCursor ends it.
type Directory interface {
	Name() string

	ListUsers(ctx context.Context, cursor string) (UserPage, error)
	GetUser(ctx context.Context, email string) (canon.User, error)
	CreateUser(ctx context.Context, spec canon.UserSpec) (canon.User, error)
	UpdateUser(ctx context.Context, email string, delta canon.UserDelta) (canon.User, error)
	SuspendUser(ctx context.Context, email string) (MutationResult, error)
	RestoreUser(ctx context.Context, email string) (MutationResult, error)
	DeleteUser(ctx context.Context, email string) (MutationResult, error)

	ListGroups(ctx context.Context, cursor string) (GroupPage, error)
	ListMembers(ctx context.Context, group, cursor string) (MemberPage, error)
	AddMember(ctx context.Context, group, user string, role canon.MemberRole) (MutationResult, error)
	RemoveMember(ctx context.Context, group, user string) (MutationResult, error)

	// ListOrgUnits returns nil where the provider has no OU concept.
	ListOrgUnits(ctx context.Context) ([]canon.OrgUnit, error)
}

// CalendarSummary is the read-only calendar listing used by directory sync.
type CalendarSummary struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// CalendarLister is implemented by providers that expose resource calendars.
type CalendarLister interface {
	ListCalendars(ctx context.Context) ([]CalendarSummary, error)
}

// DriveACL is implemented by providers with file-sharing semantics.
type DriveACL interface {
	ListACL(ctx context.Context, fileID string) ([]canon.FileACL, error)
	Grant(ctx context.Context, acl canon.FileACL) (MutationResult, error)
	Revoke(ctx context.Context, fileID, principalID string) (MutationResult, error)
	ChangeRole(ctx context.Context, fileID, principalID string, role canon.ACLRole) (MutationResult, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Directory
}

// NewRegistry registers the given adapters by name. Names must be unique.
func NewRegistry(list ...Directory) *Registry {
	m := make(map[string]Directory)
	for _, a := range list {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Directory, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, ioerr.New(ioerr.KindValidation, "unknown provider: "+name).
			WithDetail("field", "providers")
	}
	return a, nil
}

// Drive returns the adapter's ACL surface where it has one.
func (r *Registry) Drive(name string) (DriveACL, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	d, ok := a.(DriveACL)
	if !ok {
		return nil, ioerr.New(ioerr.KindValidation, "provider has no file-sharing surface: "+name).
			WithDetail("field", "providers")
	}
	return d, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}
