// Package tracker adapts a task-tracker's REST API to the canonical
// provider contract. The tracker only models users and teams; org units
// and file sharing do not exist there, and team membership carries no
// role.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// AccessTokenProvider yields the API token for one request. Kept as a
// function so tokens can rotate without rebuilding the adapter.
type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed API token.
func StaticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

const defaultTimeout = 15 * time.Second

type Options struct {
	BaseURL    string
	Tokens     AccessTokenProvider
	PageSize   int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Adapter implements provider.Directory against the tracker API.
type Adapter struct {
	baseURL  string
	tokens   AccessTokenProvider
	http     *http.Client
	pageSize int
	logger   zerolog.Logger
}

func New(opts Options) *Adapter {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Adapter{
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokens:   opts.Tokens,
		http:     httpClient,
		pageSize: provider.PageSize(opts.PageSize),
		logger:   opts.Logger,
	}
}

func (a *Adapter) Name() string { return provider.Tracker }

type wireUser struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type wireTeam struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

func (a *Adapter) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if a.tokens == nil {
		return ioerr.New(ioerr.KindCredentialUnavailable, "no token provider configured for tracker")
	}
	token, err := a.tokens(ctx)
	if err != nil {
		return ioerr.Wrap(ioerr.KindCredentialUnavailable, "tracker token", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ioerr.Wrap(ioerr.KindInternal, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return ioerr.Wrap(ioerr.KindInternal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return ioerr.Wrap(ioerr.KindTimeout, "tracker request deadline elapsed", err)
		case errors.Is(err, context.Canceled):
			return ioerr.Wrap(ioerr.KindCancelled, "tracker request cancelled", err)
		}
		return ioerr.Wrap(ioerr.KindTransient, "tracker request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusErr(method+" "+path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return ioerr.Wrap(ioerr.KindMalformed, "decode response", err)
		}
	}
	return nil
}

func statusErr(op string, status int) error {
	msg := fmt.Sprintf("%s returned %d", op, status)
	switch {
	case status == http.StatusUnauthorized:
		return ioerr.New(ioerr.KindAuthExpired, msg)
	case status == http.StatusForbidden:
		return ioerr.New(ioerr.KindForbidden, msg)
	case status == http.StatusNotFound:
		return ioerr.New(ioerr.KindNotFound, msg)
	case status == http.StatusConflict:
		return ioerr.New(ioerr.KindConflict, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return ioerr.New(ioerr.KindTransient, msg)
	}
	return ioerr.New(ioerr.KindInternal, msg)
}

// --- users ---

type userListResponse struct {
	Users []wireUser `json:"users"`
	Next  string     `json:"next_cursor"`
}

func (a *Adapter) ListUsers(ctx context.Context, cursor string) (provider.UserPage, error) {
	query := url.Values{"limit": {strconv.Itoa(a.pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var resp userListResponse
	if err := a.do(ctx, http.MethodGet, "/api/users", query, nil, &resp); err != nil {
		return provider.UserPage{}, err
	}
	page := provider.UserPage{NextCursor: resp.Next}
	for _, u := range resp.Users {
		page.Users = append(page.Users, userFromWire(u))
	}
	return page, nil
}

func (a *Adapter) GetUser(ctx context.Context, email string) (canon.User, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return canon.User{}, err
	}
	return userFromWire(*u), nil
}

func (a *Adapter) CreateUser(ctx context.Context, spec canon.UserSpec) (canon.User, error) {
	wire := wireUser{
		Email:  spec.PrimaryEmail,
		Name:   strings.TrimSpace(spec.GivenName + " " + spec.FamilyName),
		Active: true,
	}
	var created wireUser
	if err := a.do(ctx, http.MethodPost, "/api/users", nil, wire, &created); err != nil {
		return canon.User{}, err
	}
	return userFromWire(created), nil
}

// UpdateUser applies the only field the tracker stores: the display name.
func (a *Adapter) UpdateUser(ctx context.Context, email string, delta canon.UserDelta) (canon.User, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return canon.User{}, err
	}
	if delta.DisplayName != nil {
		u.Name = *delta.DisplayName
	} else if delta.GivenName != nil || delta.FamilyName != nil {
		given, family := splitName(u.Name)
		if delta.GivenName != nil {
			given = *delta.GivenName
		}
		if delta.FamilyName != nil {
			family = *delta.FamilyName
		}
		u.Name = strings.TrimSpace(given + " " + family)
	}
	var updated wireUser
	if err := a.do(ctx, http.MethodPatch, "/api/users/"+u.ID, nil, u, &updated); err != nil {
		return canon.User{}, err
	}
	return userFromWire(updated), nil
}

func (a *Adapter) setActive(ctx context.Context, email string, active bool) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		return provider.MutationResult{}, err
	}
	if u.Active == active {
		return provider.MutationResult{AlreadyPresent: true}, nil
	}
	u.Active = active
	if err := a.do(ctx, http.MethodPatch, "/api/users/"+u.ID, nil, u, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) SuspendUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setActive(ctx, email, false)
}

func (a *Adapter) RestoreUser(ctx context.Context, email string) (provider.MutationResult, error) {
	return a.setActive(ctx, email, true)
}

func (a *Adapter) DeleteUser(ctx context.Context, email string) (provider.MutationResult, error) {
	u, err := a.findUser(ctx, email)
	if err != nil {
		if ioerr.IsKind(err, ioerr.KindNotFound) {
			return provider.MutationResult{AlreadyAbsent: true}, nil
		}
		return provider.MutationResult{}, err
	}
	if err := a.do(ctx, http.MethodDelete, "/api/users/"+u.ID, nil, nil, nil); err != nil {
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

// --- teams ---

type teamListResponse struct {
	Teams []wireTeam `json:"teams"`
	Next  string     `json:"next_cursor"`
}

func (a *Adapter) ListGroups(ctx context.Context, cursor string) (provider.GroupPage, error) {
	query := url.Values{"limit": {strconv.Itoa(a.pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var resp teamListResponse
	if err := a.do(ctx, http.MethodGet, "/api/teams", query, nil, &resp); err != nil {
		return provider.GroupPage{}, err
	}
	page := provider.GroupPage{NextCursor: resp.Next}
	for _, t := range resp.Teams {
		page.Groups = append(page.Groups, canon.Group{
			PrimaryEmail: canon.NormalizeEmail(t.Email),
			DisplayName:  t.Name,
			MemberCount:  t.MemberCount,
		})
	}
	return page, nil
}

func (a *Adapter) ListMembers(ctx context.Context, group, cursor string) (provider.MemberPage, error) {
	team, err := a.findTeam(ctx, group)
	if err != nil {
		return provider.MemberPage{}, err
	}
	query := url.Values{"limit": {strconv.Itoa(a.pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var resp userListResponse
	if err := a.do(ctx, http.MethodGet, "/api/teams/"+team.ID+"/members", query, nil, &resp); err != nil {
		return provider.MemberPage{}, err
	}
	page := provider.MemberPage{NextCursor: resp.Next}
	for _, u := range resp.Users {
		page.Members = append(page.Members, canon.Membership{
			GroupEmail: canon.NormalizeEmail(group),
			UserEmail:  canon.NormalizeEmail(u.Email),
			Provider:   provider.Tracker,
			Role:       canon.RoleMember,
		})
	}
	return page, nil
}

func (a *Adapter) AddMember(ctx context.Context, group, user string, role canon.MemberRole) (provider.MutationResult, error) {
	team, err := a.findTeam(ctx, group)
	if err != nil {
		return provider.MutationResult{}, err
	}
	u, err := a.findUser(ctx, user)
	if err != nil {
		return provider.MutationResult{}, err
	}
	err = a.do(ctx, http.MethodPut, "/api/teams/"+team.ID+"/members/"+u.ID, nil, nil, nil)
	if err != nil {
		if ioerr.IsKind(err, ioerr.KindConflict) {
			return provider.MutationResult{AlreadyPresent: true}, nil
		}
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

func (a *Adapter) RemoveMember(ctx context.Context, group, user string) (provider.MutationResult, error) {
	team, err := a.findTeam(ctx, group)
	if err != nil {
		return provider.MutationResult{}, err
	}
	u, err := a.findUser(ctx, user)
	if err != nil {
		return provider.MutationResult{}, err
	}
	err = a.do(ctx, http.MethodDelete, "/api/teams/"+team.ID+"/members/"+u.ID, nil, nil, nil)
	if err != nil {
		if ioerr.IsKind(err, ioerr.KindNotFound) {
			return provider.MutationResult{AlreadyAbsent: true}, nil
		}
		return provider.MutationResult{}, err
	}
	return provider.MutationResult{}, nil
}

// ListOrgUnits returns nil: the tracker has no org unit concept.
func (a *Adapter) ListOrgUnits(ctx context.Context) ([]canon.OrgUnit, error) {
	return nil, nil
}

// --- lookup ---

func (a *Adapter) findUser(ctx context.Context, email string) (*wireUser, error) {
	email = canon.NormalizeEmail(email)
	query := url.Values{"email": {email}}
	var resp userListResponse
	if err := a.do(ctx, http.MethodGet, "/api/users", query, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Users {
		if canon.NormalizeEmail(resp.Users[i].Email) == email {
			return &resp.Users[i], nil
		}
	}
	return nil, ioerr.New(ioerr.KindNotFound, "user not found: "+email)
}

func (a *Adapter) findTeam(ctx context.Context, group string) (*wireTeam, error) {
	group = canon.NormalizeEmail(group)
	cursor := ""
	for {
		query := url.Values{"limit": {strconv.Itoa(a.pageSize)}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var resp teamListResponse
		if err := a.do(ctx, http.MethodGet, "/api/teams", query, nil, &resp); err != nil {
			return nil, err
		}
		for i := range resp.Teams {
			if canon.NormalizeEmail(resp.Teams[i].Email) == group {
				return &resp.Teams[i], nil
			}
		}
		if resp.Next == "" {
			return nil, ioerr.New(ioerr.KindNotFound, "team not found: "+group)
		}
		cursor = resp.Next
	}
}

func userFromWire(u wireUser) canon.User {
	given, family := splitName(u.Name)
	out := canon.User{
		PrimaryEmail: canon.NormalizeEmail(u.Email),
		DisplayName:  u.Name,
		GivenName:    given,
		FamilyName:   family,
		Status:       canon.StatusActive,
	}
	if !u.Active {
		out.Status = canon.StatusSuspended
	}
	return out
}

func splitName(name string) (given, family string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
