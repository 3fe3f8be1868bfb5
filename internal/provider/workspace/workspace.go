// Package workspace adapts the cloud workspace directory, file sharing,
// and calendar APIs to the canonical provider contract. The adapter maps
// wire errors onto the error taxonomy and never retries on its own; the
// orchestrator owns the retry policy.
package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// Scopes is the full scope set the adapter needs across its three
// surfaces. Callers that only read can pass a narrower set to the
// credential store.
var Scopes = []string{
	admin.AdminDirectoryUserScope,
	admin.AdminDirectoryGroupScope,
	admin.AdminDirectoryOrgunitReadonlyScope,
	drive.DriveScope,
	calendar.CalendarReadonlyScope,
}

// defaultCustomer addresses the authenticated account's own customer.
const defaultCustomer = "my_customer"

const userAgent = "crosswire/1.0"

// Options configures the adapter. TokenSource is required.
type Options struct {
	TokenSource oauth2.TokenSource
	Domain      string
	CustomerID  string
	PageSize    int
	Logger      zerolog.Logger

	// Endpoint overrides the API base URL; tests point it at a local
	// server.
	Endpoint string
}

// Adapter implements provider.Directory, provider.DriveACL, and
// provider.CalendarLister against the workspace APIs.
type Adapter struct {
	dir      *admin.Service
	drive    *drive.Service
	calendar *calendar.Service

	domain   string
	customer string
	pageSize int64
	logger   zerolog.Logger
}

func New(ctx context.Context, opts Options) (*Adapter, error) {
	clientOpts := []option.ClientOption{option.WithUserAgent(userAgent)}
	if opts.TokenSource != nil {
		clientOpts = append(clientOpts, option.WithTokenSource(opts.TokenSource))
	} else {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	dir, err := admin.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.KindInternal, "directory service init", err)
	}
	drv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.KindInternal, "drive service init", err)
	}
	cal, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.KindInternal, "calendar service init", err)
	}

	customer := opts.CustomerID
	if customer == "" {
		customer = defaultCustomer
	}
	return &Adapter{
		dir:      dir,
		drive:    drv,
		calendar: cal,
		domain:   opts.Domain,
		customer: customer,
		pageSize: int64(provider.PageSize(opts.PageSize)),
		logger:   opts.Logger,
	}, nil
}

func (a *Adapter) Name() string { return provider.Workspace }

// --- users ---

func (a *Adapter) ListUsers(ctx context.Context, cursor string) (provider.UserPage, error) {
	call := a.dir.Users.List().Context(ctx).MaxResults(a.pageSize).OrderBy("email")
	if a.domain != "" {
		call = call.Domain(a.domain)
	} else {
		call = call.Customer(a.customer)
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return provider.UserPage{}, mapErr("list users", err)
	}
	page := provider.UserPage{NextCursor: resp.NextPageToken}
	for _, u := range resp.Users {
		page.Users = append(page.Users, userFromWire(u))
	}
	return page, nil
}

func (a *Adapter) GetUser(ctx context.Context, email string) (canon.User, error) {
	u, err := a.dir.Users.Get(email).Context(ctx).Do()
	if err != nil {
		return canon.User{}, mapErr("get user", err)
	}
	return userFromWire(u), nil
}

func (a *Adapter) CreateUser(ctx context.Context, spec canon.UserSpec) (canon.User, error) {
	wire := &admin.User{
		PrimaryEmail: spec.PrimaryEmail,
		Name: &admin.UserName{
			GivenName:  spec.GivenName,
			FamilyName: spec.FamilyName,
		},
		Password:    spec.Password,
		OrgUnitPath: spec.OrgUnitPath,
	}
	if spec.Phone != "" {
		wire.Phones = []admin.UserPhone{{Value: spec.Phone, Type: "work"}}
	}
	created, err := a.dir.Users.Insert(wire).Context(ctx).Do()
	if err != nil {
		return canon.User{}, mapErr("create user", err)
	}
	return userFromWire(created), nil
}

func (a *Adapter) UpdateUser(ctx context.Context, email string, delta canon.UserDelta) (canon.User, error) {
	patch := &admin.User{}
	if delta.GivenName != nil || delta.FamilyName != nil || delta.DisplayName != nil {
		patch.Name = &admin.UserName{}
		if delta.GivenName != nil {
			patch.Name.GivenName = *delta.GivenName
		}
		if delta.FamilyName != nil {
			patch.Name.FamilyName = *delta.FamilyName
		}
		if delta.DisplayName != nil {
			patch.Name.FullName = *delta.DisplayName
		}
	}
	if delta.OrgUnitPath != nil {
		patch.OrgUnitPath = *delta.OrgUnitPath
	}
	if delta.Phone != nil {
		patch.Phones = []admin.UserPhone{{Value: *delta.Phone, Type: "work"}}
	}
	updated, err := a.dir.Users.Patch(email, patch).Context(ctx).Do()
	if err != nil {
		return canon.User{}, mapErr("update user", err)
	}
	return userFromWire(updated), nil
}

// setSuspended reads first so a mutation against converged state reports
// AlreadyPresent instead of issuing a write.
func (a *Adapter) setSuspended(ctx context.Context, op, email string, suspended bool) (provider.MutationResult, error) {
	current, err := a.dir.Users.Get(email).Context(ctx).Do()
	if err != nil {
		return provider.MutationResult{}, mapErr(op, err)
	}
	if current.Suspended == suspended {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	patch := &admin.User{Suspended: suspended}
	patch.ForceSendFields = []string{"Suspended"}
	if _, err := a.dir.Users.Patch(email, patch).Context(ctx).Do(); err != nil {
		return provider.MutationResult{}, mapErr(op, err)
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) SuspendUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setSuspended(ctx, "suspend user", email, true)
}

func (a *Adapter) RestoreUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setSuspended(ctx, "restore user", email, false)
}

func (a *Adapter) DeleteUser(ctx context.Context, email string) (provider.MutationResult, error) {
	if err := a.dir.Users.Delete(email).Context(ctx).Do(); err != nil {
		mapped := mapErr("delete user", err)
		if ioerr.IsKind(mapped, ioerr.KindNotFound) {
			return provider.MutationResult{AlreadyAbsent: true}, nil
		}
		return provider.MutationResult{}, mapped
	}
	return provider.MutationResult{}, nil
}

// --- groups ---

func (a *Adapter) ListGroups(ctx context.Context, cursor string) (provider.GroupPage, error) {
	call := a.dir.Groups.List().Context(ctx).MaxResults(a.pageSize)
	if a.domain != "" {
		call = call.Domain(a.domain)
	} else {
		call = call.Customer(a.customer)
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return provider.GroupPage{}, mapErr("list groups", err)
	}
	page := provider.GroupPage{NextCursor: resp.NextPageToken}
	for _, g := range resp.Groups {
		page.Groups = append(page.Groups, canon.Group{
			PrimaryEmail: canon.NormalizeEmail(g.Email),
			DisplayName:  g.Name,
			Description:  g.Description,
			MemberCount:  int(g.DirectMembersCount),
		})
	}
	return page, nil
}

func (a *Adapter) ListMembers(ctx context.Context, group, cursor string) (provider.MemberPage, error) {
	call := a.dir.Members.List(group).Context(ctx).MaxResults(a.pageSize)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return provider.MemberPage{}, mapErr("list members", err)
	}
	page := provider.MemberPage{NextCursor: resp.NextPageToken}
	for _, m := range resp.Members {
		page.Members = append(page.Members, canon.Membership{
			GroupEmail: canon.NormalizeEmail(group),
			UserEmail:  canon.NormalizeEmail(m.Email),
			Provider:   provider.Workspace,
			Role:       roleFromWire(m.Role),
		})
	}
	return page, nil
}

func (a *Adapter) AddMember(ctx context.Context, group, user string, role canon.MemberRole) (provider.MutationResult, error) {
	_, err := a.dir.Members.Insert(group, &admin.Member{
		Email: user,
		Role:  roleToWire(role),
	}).Context(ctx).Do()
	if err != nil {
		mapped := mapErr("add member", err)
		if ioerr.IsKind(mapped, ioerr.KindConflict) {
			return provider.MutationResult{AlreadyPresent: true}, nil
		}
		return provider.MutationResult{}, mapped
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) RemoveMember(ctx context.Context, group, user string) (provider.MutationResult, error) {
	if err := a.dir.Members.Delete(group, user).Context(ctx).Do(); err != nil {
		mapped := mapErr("remove member", err)
		if ioerr.IsKind(mapped, ioerr.KindNotFound) {
			return provider.MutationResult{AlreadyAbsent: true}, nil
		}
		return provider.MutationResult{}, mapped
	}
	return provider.MutationResult{}, nil
}

// --- org units ---

func (a *Adapter) ListOrgUnits(ctx context.Context) ([]canon.OrgUnit, error) {
	resp, err := a.dir.Orgunits.List(a.customer).Type("all").Context(ctx).Do()
	if err != nil {
		return nil, mapErr("list org units", err)
	}
	out := []canon.OrgUnit{{Path: "/", DisplayName: "/"}}
	for _, ou := range resp.OrganizationUnits {
		out = append(out, canon.OrgUnit{Path: ou.OrgUnitPath, DisplayName: ou.Name})
	}
	return out, nil
}

// --- file sharing ---

func (a *Adapter) ListACL(ctx context.Context, fileID string) ([]canon.FileACL, error) {
	var out []canon.FileACL
	cursor := ""
	for {
		call := a.drive.Permissions.List(fileID).Context(ctx).
			Fields("nextPageToken", "permissions(id,type,role,emailAddress,domain)")
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapErr("list permissions", err)
		}
		for _, p := range resp.Permissions {
			out = append(out, aclFromWire(fileID, p))
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		cursor = resp.NextPageToken
	}
}

// Grant creates or updates the principal's permission. An existing
// grant with the same role converges without a write; a different role
// becomes a role update on the existing permission.
func (a *Adapter) Grant(ctx context.Context, acl canon.FileACL) (provider.MutationResult, error) {
	existing, err := a.findPermission(ctx, acl.FileID, acl.PrincipalID, acl.PrincipalKind)
	if err != nil {
		return provider.MutationResult{}, err
	}
	if existing != nil {
		if canon.ACLRole(existing.Role) == acl.Role {
			return provider.MutationResult{AlreadyPresent: true}, nil
		}
		_, err := a.drive.Permissions.Update(acl.FileID, existing.Id, &drive.Permission{
			Role: string(acl.Role),
		}).Context(ctx).Do()
		if err != nil {
			return provider.MutationResult{}, mapErr("update permission", err)
		}
		return provider.MutationResult{}, nil
	}

	wire := &drive.Permission{
		Type: string(acl.PrincipalKind),
		Role: string(acl.Role),
	}
	switch acl.PrincipalKind {
	case canon.PrincipalUser, canon.PrincipalGroup:
		wire.EmailAddress = acl.PrincipalID
	case canon.PrincipalDomain:
		wire.Domain = acl.PrincipalID
	}
	_, err = a.drive.Permissions.Create(acl.FileID, wire).
		SendNotificationEmail(false).Context(ctx).Do()
	if err != nil {
		return provider.MutationResult{}, mapErr("create permission", err)
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) Revoke(ctx context.Context, fileID, principalID string) (provider.MutationResult, error) {
	existing, err := a.findPermission(ctx, fileID, principalID, "")
	if err != nil {
		return provider.MutationResult{}, err
	}
	if existing == nil {
		return provider.MutationResult{AlreadyAbsent: true}, nil
	}
	if err := a.drive.Permissions.Delete(fileID, existing.Id).Context(ctx).Do(); err != nil {
		return provider.MutationResult{}, mapErr("delete permission", err)
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) ChangeRole(ctx context.Context, fileID, principalID string, role canon.ACLRole) (provider.MutationResult, error) {
	existing, err := a.findPermission(ctx, fileID, principalID, "")
	if err != nil {
		return provider.MutationResult{}, err
	}
	if existing == nil {
		return provider.MutationResult{}, ioerr.New(ioerr.KindNotFound, "no permission for principal: "+principalID)
	}
	if canon.ACLRole(existing.Role) == role {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	_, err = a.drive.Permissions.Update(fileID, existing.Id, &drive.Permission{
		Role: string(role),
	}).Context(ctx).Do()
	if err != nil {
		return provider.MutationResult{}, mapErr("update permission", err)
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) findPermission(ctx context.Context, fileID, principalID string, kind canon.PrincipalKind) (*drive.Permission, error) {
	cursor := ""
	for {
		call := a.drive.Permissions.List(fileID).Context(ctx).
			Fields("nextPageToken", "permissions(id,type,role,emailAddress,domain)")
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapErr("list permissions", err)
		}
		for _, p := range resp.Permissions {
			if kind != "" && p.Type != string(kind) {
				continue
			}
			switch p.Type {
			case "user", "group":
				if canon.NormalizeEmail(p.EmailAddress) == canon.NormalizeEmail(principalID) {
					return p, nil
				}
			case "domain":
				if p.Domain == principalID {
					return p, nil
				}
			case "anyone":
				if principalID == "anyone" {
					return p, nil
				}
			}
		}
		if resp.NextPageToken == "" {
			return nil, nil
		}
		cursor = resp.NextPageToken
	}
}

// --- calendars ---

func (a *Adapter) ListCalendars(ctx context.Context) ([]provider.CalendarSummary, error) {
	var out []provider.CalendarSummary
	cursor := ""
	for {
		call := a.calendar.CalendarList.List().Context(ctx).MaxResults(a.pageSize)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapErr("list calendars", err)
		}
		for _, item := range resp.Items {
			out = append(out, provider.CalendarSummary{ID: item.Id, Summary: item.Summary})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		cursor = resp.NextPageToken
	}
}

// --- wire mapping ---

func userFromWire(u *admin.User) canon.User {
	out := canon.User{
		PrimaryEmail: canon.NormalizeEmail(u.PrimaryEmail),
		OrgUnitPath:  u.OrgUnitPath,
		Status:       canon.StatusActive,
	}
	if u.Suspended {
		out.Status = canon.StatusSuspended
	}
	if u.Name != nil {
		out.DisplayName = u.Name.FullName
		out.GivenName = u.Name.GivenName
		out.FamilyName = u.Name.FamilyName
	}
	if out.DisplayName == "" {
		out.DisplayName = strings.TrimSpace(out.GivenName + " " + out.FamilyName)
	}
	if u.LastLoginTime != "" {
		if ts, err := time.Parse(time.RFC3339, u.LastLoginTime); err == nil {
			out.LastLogin = ts
		}
	}
	if emails, ok := u.Emails.([]any); ok {
		for _, raw := range emails {
			if m, ok := raw.(map[string]any); ok {
				addr, _ := m["address"].(string)
				primary, _ := m["primary"].(bool)
				if addr != "" && !primary {
					out.SecondaryEmails = append(out.SecondaryEmails, canon.NormalizeEmail(addr))
				}
			}
		}
	}
	if phones, ok := u.Phones.([]any); ok {
		for _, raw := range phones {
			if m, ok := raw.(map[string]any); ok {
				if v, _ := m["value"].(string); v != "" {
					out.Phone = v
					break
				}
			}
		}
	}
	return out
}

func roleFromWire(role string) canon.MemberRole {
	switch strings.ToUpper(role) {
	case "OWNER":
		return canon.RoleOwner
	case "MANAGER":
		return canon.RoleManager
	default:
		return canon.RoleMember
	}
}

func roleToWire(role canon.MemberRole) string {
	return strings.ToUpper(string(role))
}

func aclFromWire(fileID string, p *drive.Permission) canon.FileACL {
	acl := canon.FileACL{
		FileID:        fileID,
		PrincipalKind: canon.PrincipalKind(p.Type),
		Role:          canon.ACLRole(p.Role),
	}
	switch p.Type {
	case "user", "group":
		acl.PrincipalID = canon.NormalizeEmail(p.EmailAddress)
	case "domain":
		acl.PrincipalID = p.Domain
	case "anyone":
		acl.PrincipalID = "anyone"
	}
	return acl
}
