// Package ims adapts a self-hosted identity management server's admin
// REST API to the canonical provider contract. The server keys entities
// by opaque id; the adapter resolves canonical emails to ids on each
// operation so callers never see the internal identifiers.
package ims

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// Adapter implements provider.Directory. The IMS has no org unit or
// file-sharing concept.
type Adapter struct {
	client   *client
	domain   string
	pageSize int
	logger   zerolog.Logger
}

func New(ctx context.Context, opts Options, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:   newClient(ctx, opts),
		domain:   strings.ToLower(strings.TrimSpace(opts.Domain)),
		pageSize: provider.PageSize(opts.PageSize),
		logger:   logger,
	}
}

func (a *Adapter) Name() string { return provider.IMS }

type wireUser struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username"`
	Email            string              `json:"email"`
	FirstName        string              `json:"firstName"`
	LastName         string              `json:"lastName"`
	Enabled          bool                `json:"enabled"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	Credentials      []wireCredential    `json:"credentials,omitempty"`
}

type wireCredential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type wireGroup struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Path       string              `json:"path,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// --- users ---

func (a *Adapter) ListUsers(ctx context.Context, cursor string) (provider.UserPage, error) {
	offset := cursorOffset(cursor)
	query := url.Values{
		"first": {strconv.Itoa(offset)},
		"max":   {strconv.Itoa(a.pageSize)},
	}
	var wire []wireUser
	if _, err := a.client.do(ctx, http.MethodGet, "/users", query, nil, &wire); err != nil {
		return provider.UserPage{}, err
	}
	page := provider.UserPage{}
	for _, u := range wire {
		page.Users = append(page.Users, a.userFromWire(u))
	}
	if len(wire) == a.pageSize {
		page.NextCursor = strconv.Itoa(offset + len(wire))
	}
	return page, nil
}

func (a *Adapter) GetUser(ctx context.Context, email string) (canon.User, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return canon.User{}, err
	}
	return a.userFromWire(*u), nil
}

func (a *Adapter) CreateUser(ctx context.Context, spec canon.UserSpec) (canon.User, error) {
	wire := wireUser{
		Username:  localPart(spec.PrimaryEmail),
		Email:     spec.PrimaryEmail,
		FirstName: spec.GivenName,
		LastName:  spec.FamilyName,
		Enabled:   true,
		Credentials: []wireCredential{
			{Type: "password", Value: spec.Password, Temporary: false},
		},
	}
	attrs := make(map[string][]string)
	if spec.OrgUnitPath != "" {
		attrs["orgUnit"] = []string{spec.OrgUnitPath}
	}
	if spec.Phone != "" {
		attrs["phone"] = []string{spec.Phone}
	}
	if len(attrs) > 0 {
		wire.Attributes = attrs
	}
	if _, err := a.client.do(ctx, http.MethodPost, "/users", nil, wire, nil); err != nil {
		return canon.User{}, err
	}
	wire.Credentials = nil
	return a.userFromWire(wire), nil
}

func (a *Adapter) UpdateUser(ctx context.Context, email string, delta canon.UserDelta) (canon.User, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return canon.User{}, err
	}
	if delta.GivenName != nil {
		u.FirstName = *delta.GivenName
	}
	if delta.FamilyName != nil {
		u.LastName = *delta.FamilyName
	}
	if u.Attributes == nil {
		u.Attributes = make(map[string][]string)
	}
	if delta.OrgUnitPath != nil {
		u.Attributes["orgUnit"] = []string{*delta.OrgUnitPath}
	}
	if delta.Phone != nil {
		u.Attributes["phone"] = []string{*delta.Phone}
	}
	if _, err := a.client.do(ctx, http.MethodPut, "/users/"+u.ID, nil, u, nil); err != nil {
		return canon.User{}, err
	}
	return a.userFromWire(*u), nil
}

func (a *Adapter) setEnabled(ctx context.Context, email string, enabled bool) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return provider.MutationResult{}, err
	}
	if u.Enabled == enabled {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	u.Enabled = enabled
	if _, err := a.client.do(ctx, http.MethodPut, "/users/"+u.ID, nil, u, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) SuspendUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setEnabled(ctx, email, false)
}

func (a *Adapter) RestoreUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setEnabled(ctx, email, true)
}

func (a *Adapter) DeleteUser(ctx context.Context, email string) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		if ioerr.IsKind(err, ioerr.KindNotFound) {
			return provider.MutationResult{AlreadyAbsent: true}, nil
		}
		return provider.MutationResult{}, err
	}
	if _, err := a.client.do(ctx, http.MethodDelete, "/users/"+u.ID, nil, nil, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

// --- groups ---

func (a *Adapter) ListGroups(ctx context.Context, cursor string) (provider.GroupPage, error) {
	offset := cursorOffset(cursor)
	query := url.Values{
		"first": {strconv.Itoa(offset)},
		"max":   {strconv.Itoa(a.pageSize)},
	}
	var wire []wireGroup
	if _, err := a.client.do(ctx, http.MethodGet, "/groups", query, nil, &wire); err != nil {
		return provider.GroupPage{}, err
	}
	page := provider.GroupPage{}
	for _, g := range wire {
		page.Groups = append(page.Groups, canon.Group{
			PrimaryEmail: a.groupEmail(g),
			DisplayName:  g.Name,
		})
	}
	if len(wire) == a.pageSize {
		page.NextCursor = strconv.Itoa(offset + len(wire))
	}
	return page, nil
}

func (a *Adapter) ListMembers(ctx context.Context, group, cursor string) (provider.MemberPage, error) {
	g, err := a.findGroup(ctx, group)
	if err != nil {
		return provider.MemberPage{}, err
	}
	offset := cursorOffset(cursor)
	query := url.Values{
		"first": {strconv.Itoa(offset)},
		"max":   {strconv.Itoa(a.pageSize)},
	}
	var wire []wireUser
	if _, err := a.client.do(ctx, http.MethodGet, "/groups/"+g.ID+"/members", query, nil, &wire); err != nil {
		return provider.MemberPage{}, err
	}
	page := provider.MemberPage{}
	for _, u := range wire {
		page.Members = append(page.Members, canon.Membership{
			GroupEmail: canon.NormalizeEmail(group),
			UserEmail:  canon.NormalizeEmail(u.Email),
			Provider:   provider.IMS,
			Role:       canon.RoleMember,
		})
	}
	if len(wire) == a.pageSize {
		page.NextCursor = strconv.Itoa(offset + len(wire))
	}
	return page, nil
}

// AddMember joins user and group by id. The IMS stores no per-group
// role, so the requested role is accepted but not persisted.
func (a *Adapter) AddMember(ctx context.Context, group, user string, role canon.MemberRole) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, user)
	if err != nil {
		return provider.MutationResult{}, err
	}
	g, err := a.findGroup(ctx, group)
	if err != nil {
		return provider.MutationResult{}, err
	}
	member, err := a.isMember(ctx, u.ID, g.ID)
	if err != nil {
		return provider.MutationResult{}, err
	}
	if member {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	if _, err := a.client.do(ctx, http.MethodPut, "/users/"+u.ID+"/groups/"+g.ID, nil, nil, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) RemoveMember(ctx context.Context, group, user string) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, user)
	if err != nil {
		return provider.MutationResult{}, err
	}
	g, err := a.findGroup(ctx, group)
	if err != nil {
		return provider.MutationResult{}, err
	}
	member, err := a.isMember(ctx, u.ID, g.ID)
	if err != nil {
		return provider.MutationResult{}, err
	}
	if !member {
		return provider.MutationResult{AlreadyAbsent: true}, nil
	}
	if _, err := a.client.do(ctx, http.MethodDelete, "/users/"+u.ID+"/groups/"+g.ID, nil, nil, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

// ListOrgUnits returns nil: the IMS has no org unit concept.
func (a *Adapter) ListOrgUnits(ctx context.Context) ([]canon.OrgUnit, error) {
	return nil, nil
}

// --- lookup helpers ---

func (a *Adapter) findUser(ctx context.Context, email string) (*wireUser, error) {
	email = canon.NormalizeEmail(email)
	query := url.Values{"email": {email}, "exact": {"true"}}
	var wire []wireUser
	if _, err := a.client.do(ctx, http.MethodGet, "/users", query, nil, &wire); err != nil {
		return nil, err
	}
	for i := range wire {
		if canon.NormalizeEmail(wire[i].Email) == email {
			return &wire[i], nil
		}
	}
	return nil, ioerr.New(ioerr.KindNotFound, "user not found: "+email)
}

func (a *Adapter) findGroup(ctx context.Context, email string) (*wireGroup, error) {
	email = canon.NormalizeEmail(email)
	cursor := ""
	for {
		offset := cursorOffset(cursor)
		query := url.Values{
			"first": {strconv.Itoa(offset)},
			"max":   {strconv.Itoa(a.pageSize)},
		}
		var wire []wireGroup
		if _, err := a.client.do(ctx, http.MethodGet, "/groups", query, nil, &wire); err != nil {
			return nil, err
		}
		for i := range wire {
			if a.groupEmail(wire[i]) == email {
				return &wire[i], nil
			}
		}
		if len(wire) < a.pageSize {
			return nil, ioerr.New(ioerr.KindNotFound, "group not found: "+email)
		}
		cursor = strconv.Itoa(offset + len(wire))
	}
}

func (a *Adapter) isMember(ctx context.Context, userID, groupID string) (bool, error) {
	var groups []wireGroup
	if _, err := a.client.do(ctx, http.MethodGet, "/users/"+userID+"/groups", nil, nil, &groups); err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.ID == groupID {
			return true, nil
		}
	}
	return false, nil
}

// groupEmail derives the canonical identifier for a group: an explicit
// email attribute wins, otherwise the group name under the configured
// domain.
func (a *Adapter) groupEmail(g wireGroup) string {
	if vals := g.Attributes["email"]; len(vals) > 0 && vals[0] != "" {
		return canon.NormalizeEmail(vals[0])
	}
	return canon.NormalizeEmail(g.Name + "@" + a.domain)
}

func (a *Adapter) userFromWire(u wireUser) canon.User {
	out := canon.User{
		PrimaryEmail: canon.NormalizeEmail(u.Email),
		GivenName:    u.FirstName,
		FamilyName:   u.LastName,
		DisplayName:  strings.TrimSpace(u.FirstName + " " + u.LastName),
		Status:       canon.StatusActive,
	}
	if !u.Enabled {
		out.Status = canon.StatusSuspended
	}
	if vals := u.Attributes["orgUnit"]; len(vals) > 0 {
		out.OrgUnitPath = vals[0]
	}
	if vals := u.Attributes["phone"]; len(vals) > 0 {
		out.Phone = vals[0]
	}
	return out
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func cursorOffset(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
