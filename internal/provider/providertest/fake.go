// Package providertest provides an in-memory Directory/DriveACL adapter for
// exercising the orchestrator, cache, and runner without wire calls.
package providertest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// Fake is an in-memory provider adapter. Zero value is not usable; call New.
type Fake struct {
	name string

	mu       sync.Mutex
	users    map[string]canon.User
	groups   map[string]canon.Group
	members  map[string]map[string]canon.Membership
	orgUnits []canon.OrgUnit
	acls     map[string]map[string]canon.FileACL

	calls     map[string]int
	errs      map[string]error
	transient map[string]int
	delay     time.Duration
	pageLimit int
}

// New creates an empty fake adapter with the given provider name.
func New(name string) *Fake {
	return &Fake{
		name:      name,
		users:     make(map[string]canon.User),
		groups:    make(map[string]canon.Group),
		members:   make(map[string]map[string]canon.Membership),
		acls:      make(map[string]map[string]canon.FileACL),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
		transient: make(map[string]int),
	}
}

func (f *Fake) Name() string { return f.name }

// FailWith makes every call to op return err until cleared with a nil err.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// FailTransiently makes the next n calls to op fail with Transient.
func (f *Fake) FailTransiently(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient[op] = n
}

// SetDelay makes every call sleep first; used for cancellation tests.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetPageLimit caps list page sizes.
func (f *Fake) SetPageLimit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageLimit = n
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SeedUser inserts a user without counting a call.
func (f *Fake) SeedUser(u canon.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[canon.NormalizeEmail(u.PrimaryEmail)] = u
}

// SeedGroup inserts a group without counting a call.
func (f *Fake) SeedGroup(g canon.Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[canon.NormalizeEmail(g.PrimaryEmail)] = g
}

// SeedOrgUnits replaces the OU listing.
func (f *Fake) SeedOrgUnits(ous []canon.OrgUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgUnits = ous
}

// MemberEmails returns the sorted member set of a group.
func (f *Fake) MemberEmails(group string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for email := range f.members[canon.NormalizeEmail(group)] {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// HasUser reports whether a user exists.
func (f *Fake) HasUser(email string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[canon.NormalizeEmail(email)]
	return ok
}

// begin counts the call, applies the configured delay, and returns any
// configured failure. The delay honors context cancellation the way a wire
// call honors its deadline.
func (f *Fake) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delay
	err := f.errs[op]
	if err == nil && f.transient[op] > 0 {
		f.transient[op]--
		err = ioerr.New(ioerr.KindTransient, "simulated transient failure")
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ioerr.Wrap(ioerr.KindTimeout, op+" interrupted", ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func (f *Fake) ListUsers(ctx context.Context, cursor string) (provider.UserPage, error) {
	if err := f.begin(ctx, "ListUsers"); err != nil {
		return provider.UserPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := sortedKeys(f.users)
	start := cursorIndex(cursor)
	end, next := pageEnd(start, len(keys), f.pageLimit)

	var page provider.UserPage
	for _, k := range keys[start:end] {
		page.Users = append(page.Users, f.users[k])
	}
	page.NextCursor = next
	return page, nil
}

func (f *Fake) GetUser(ctx context.Context, email string) (canon.User, error) {
	if err := f.begin(ctx, "GetUser"); err != nil {
		return canon.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[canon.NormalizeEmail(email)]
	if !ok {
		return canon.User{}, ioerr.New(ioerr.KindNotFound, "user not found: "+email)
	}
	return u, nil
}

func (f *Fake) CreateUser(ctx context.Context, spec canon.UserSpec) (canon.User, error) {
	if err := f.begin(ctx, "CreateUser"); err != nil {
		return canon.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	email := canon.NormalizeEmail(spec.PrimaryEmail)
	if _, exists := f.users[email]; exists {
		return canon.User{}, ioerr.New(ioerr.KindConflict, "user already exists: "+email)
	}
	u := canon.User{
		PrimaryEmail: email,
		DisplayName:  spec.GivenName + " " + spec.FamilyName,
		GivenName:    spec.GivenName,
		FamilyName:   spec.FamilyName,
		Status:       canon.StatusActive,
		OrgUnitPath:  spec.OrgUnitPath,
		Phone:        spec.Phone,
	}
	f.users[email] = u
	return u, nil
}

func (f *Fake) UpdateUser(ctx context.Context, email string, delta canon.UserDelta) (canon.User, error) {
	if err := f.begin(ctx, "UpdateUser"); err != nil {
		return canon.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := canon.NormalizeEmail(email)
	u, ok := f.users[key]
	if !ok {
		return canon.User{}, ioerr.New(ioerr.KindNotFound, "user not found: "+email)
	}
	if delta.DisplayName != nil {
		u.DisplayName = *delta.DisplayName
	}
	if delta.GivenName != nil {
		u.GivenName = *delta.GivenName
	}
	if delta.FamilyName != nil {
		u.FamilyName = *delta.FamilyName
	}
	if delta.OrgUnitPath != nil {
		u.OrgUnitPath = *delta.OrgUnitPath
	}
	if delta.Phone != nil {
		u.Phone = *delta.Phone
	}
	f.users[key] = u
	return u, nil
}

func (f *Fake) setStatus(ctx context.Context, op, email string, status canon.UserStatus) (provider.MutationResult, error) {
	if err := f.begin(ctx, op); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := canon.NormalizeEmail(email)
	u, ok := f.users[key]
	if !ok {
		return provider.MutationResult{}, ioerr.New(ioerr.KindNotFound, "user not found: "+email)
	}
	if u.Status == status {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	u.Status = status
	f.users[key] = u
	return provider.MutationResult{}, nil
}

func (f *Fake) SuspendUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return f.setStatus(ctx, "SuspendUser", email, canon.StatusSuspended)
}

func (f *Fake) RestoreUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return f.setStatus(ctx, "RestoreUser", email, canon.StatusActive)
}

func (f *Fake) DeleteUser(ctx context.Context, email string) (provider.MutationResult, error) {
	if err := f.begin(ctx, "DeleteUser"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := canon.NormalizeEmail(email)
	if _, ok := f.users[key]; !ok {
		return provider.MutationResult{AlreadyAbsent: true}, nil
	}
	delete(f.users, key)
	return provider.MutationResult{}, nil
}

func (f *Fake) ListGroups(ctx context.Context, cursor string) (provider.GroupPage, error) {
	if err := f.begin(ctx, "ListGroups"); err != nil {
		return provider.GroupPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := sortedKeys(f.groups)
	start := cursorIndex(cursor)
	end, next := pageEnd(start, len(keys), f.pageLimit)

	var page provider.GroupPage
	for _, k := range keys[start:end] {
		page.Groups = append(page.Groups, f.groups[k])
	}
	page.NextCursor = next
	return page, nil
}

func (f *Fake) ListMembers(ctx context.Context, group, cursor string) (provider.MemberPage, error) {
	if err := f.begin(ctx, "ListMembers"); err != nil {
		return provider.MemberPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	gkey := canon.NormalizeEmail(group)
	if _, ok := f.groups[gkey]; !ok {
		return provider.MemberPage{}, ioerr.New(ioerr.KindNotFound, "group not found: "+group)
	}

	keys := sortedKeys(f.members[gkey])
	start := cursorIndex(cursor)
	end, next := pageEnd(start, len(keys), f.pageLimit)

	var page provider.MemberPage
	for _, k := range keys[start:end] {
		page.Members = append(page.Members, f.members[gkey][k])
	}
	page.NextCursor = next
	return page, nil
}

func (f *Fake) AddMember(ctx context.Context, group, user string, role canon.MemberRole) (provider.MutationResult, error) {
	if err := f.begin(ctx, "AddMember"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	gkey := canon.NormalizeEmail(group)
	ukey := canon.NormalizeEmail(user)
	if _, ok := f.groups[gkey]; !ok {
		return provider.MutationResult{}, ioerr.New(ioerr.KindNotFound, "group not found: "+group)
	}
	if f.members[gkey] == nil {
		f.members[gkey] = make(map[string]canon.Membership)
	}
	if _, present := f.members[gkey][ukey]; present {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	f.members[gkey][ukey] = canon.Membership{
		GroupEmail: gkey,
		UserEmail:  ukey,
		Provider:   f.name,
		Role:       role,
		JoinedAt:   time.Now().UTC(),
	}
	return provider.MutationResult{}, nil
}

func (f *Fake) RemoveMember(ctx context.Context, group, user string) (provider.MutationResult, error) {
	if err := f.begin(ctx, "RemoveMember"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	gkey := canon.NormalizeEmail(group)
	ukey := canon.NormalizeEmail(user)
	if _, present := f.members[gkey][ukey]; !present {
		return provider.MutationResult{AlreadyAbsent: true}, nil
	}
	delete(f.members[gkey], ukey)
	return provider.MutationResult{}, nil
}

func (f *Fake) ListOrgUnits(ctx context.Context) ([]canon.OrgUnit, error) {
	if err := f.begin(ctx, "ListOrgUnits"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]canon.OrgUnit(nil), f.orgUnits...), nil
}

func (f *Fake) ListACL(ctx context.Context, fileID string) ([]canon.FileACL, error) {
	if err := f.begin(ctx, "ListACL"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []canon.FileACL
	for _, acl := range f.acls[fileID] {
		out = append(out, acl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

func (f *Fake) Grant(ctx context.Context, acl canon.FileACL) (provider.MutationResult, error) {
	if err := f.begin(ctx, "Grant"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acls[acl.FileID] == nil {
		f.acls[acl.FileID] = make(map[string]canon.FileACL)
	}
	if prior, ok := f.acls[acl.FileID][acl.PrincipalID]; ok && prior.Role == acl.Role {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	f.acls[acl.FileID][acl.PrincipalID] = acl
	return provider.MutationResult{}, nil
}

func (f *Fake) Revoke(ctx context.Context, fileID, principalID string) (provider.MutationResult, error) {
	if err := f.begin(ctx, "Revoke"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.acls[fileID][principalID]; !ok {
		return provider.MutationResult{AlreadyAbsent: true}, nil
	}
	delete(f.acls[fileID], principalID)
	return provider.MutationResult{}, nil
}

func (f *Fake) ChangeRole(ctx context.Context, fileID, principalID string, role canon.ACLRole) (provider.MutationResult, error) {
	if err := f.begin(ctx, "ChangeRole"); err != nil {
		return provider.MutationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	acl, ok := f.acls[fileID][principalID]
	if !ok {
		return provider.MutationResult{}, ioerr.New(ioerr.KindNotFound, "no permission for principal: "+principalID)
	}
	if acl.Role == role {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	acl.Role = role
	f.acls[fileID][principalID] = acl
	return provider.MutationResult{}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cursorIndex(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func pageEnd(start, total, limit int) (int, string) {
	if limit <= 0 {
		limit = provider.DefaultPageSize
	}
	end := start + limit
	if end >= total {
		return total, ""
	}
	return end, strconv.Itoa(end)
}
