package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crosswire-id/crosswire/internal/audit"
	"github.com/crosswire-id/crosswire/internal/cache"
	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// step is one applied mutation together with its inverse. Membership and
// ACL changes are reversible; user creation is not and never produces a
// step.
type step struct {
	desc string
	undo func(ctx context.Context) error
}

// compensate rolls back applied steps newest first under its own deadline,
// since the request deadline is usually already spent when rollback starts.
func (o *Orchestrator) compensate(req Request, targets []string, steps []step, cause error) map[string]string {
	o.auditTerminal(req, targets, audit.OutcomeCompensating, audit.SeverityWarn, map[string]string{
		"cause":   cause.Error(),
		"applied": strconv.Itoa(len(steps)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), compensationDeadline)
	defer cancel()

	details := map[string]string{"cause": cause.Error()}
	failed := 0
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].undo(ctx); err != nil {
			failed++
			details["undo:"+steps[i].desc] = ioerr.KindOf(err).String()
			o.logger.Error().Err(err).Str("step", steps[i].desc).Msg("compensation step failed")
		}
	}
	details["compensated"] = strconv.Itoa(len(steps) - failed)
	return details
}

// --- directory sync ---

func (o *Orchestrator) syncDirectory(ctx context.Context, req Request, adapters []provider.Directory) (*Result, error) {
	res := &Result{
		Kind:    req.Kind,
		Targets: append([]string(nil), req.Providers...),
		Synced:  make(map[string]SyncCounts),
	}
	for _, a := range adapters {
		counts, err := o.syncProvider(ctx, a)
		if err != nil {
			o.auditTerminal(req, res.Targets, audit.OutcomeFailed, audit.SeverityError, map[string]string{
				"provider": a.Name(),
				"error":    err.Error(),
			})
			return nil, err
		}
		res.Synced[a.Name()] = counts
	}
	details := make(map[string]string, len(res.Synced))
	for name, c := range res.Synced {
		details[name] = fmt.Sprintf("users=%d groups=%d ous=%d", c.Users, c.Groups, c.OrgUnits)
	}
	o.auditTerminal(req, res.Targets, audit.OutcomeCommitted, audit.SeverityInfo, details)
	return res, nil
}

// syncProvider drains one provider's listings into a staging area and
// commits to the cache only once the whole provider succeeded, so a
// failed or cancelled sync never leaves half a snapshot behind.
func (o *Orchestrator) syncProvider(ctx context.Context, a provider.Directory) (SyncCounts, error) {
	var counts SyncCounts
	name := a.Name()

	var users []canon.User
	cursor := ""
	for {
		var page provider.UserPage
		err := o.call(ctx, name, func(ctx context.Context) error {
			var err error
			page, err = a.ListUsers(ctx, cursor)
			return err
		})
		if err != nil {
			return counts, err
		}
		users = append(users, page.Users...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if err := ctx.Err(); err != nil {
			return counts, normalizeCtxErr(ctx, ioerr.Wrap(ioerr.KindCancelled, "sync interrupted", err))
		}
	}

	var groups []canon.Group
	cursor = ""
	for {
		var page provider.GroupPage
		err := o.call(ctx, name, func(ctx context.Context) error {
			var err error
			page, err = a.ListGroups(ctx, cursor)
			return err
		})
		if err != nil {
			return counts, err
		}
		groups = append(groups, page.Groups...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	var orgUnits []canon.OrgUnit
	err := o.call(ctx, name, func(ctx context.Context) error {
		var err error
		orgUnits, err = a.ListOrgUnits(ctx)
		return err
	})
	if err != nil {
		return counts, err
	}

	if cl, ok := a.(provider.CalendarLister); ok {
		var cals []provider.CalendarSummary
		err := o.call(ctx, name, func(ctx context.Context) error {
			var err error
			cals, err = cl.ListCalendars(ctx)
			return err
		})
		if err != nil {
			return counts, err
		}
		counts.Calendars = len(cals)
	}

	userEmails := make([]string, 0, len(users))
	for _, u := range users {
		email := canon.NormalizeEmail(u.PrimaryEmail)
		u.PrimaryEmail = email
		o.cache.Put(cache.UserKey(email), u, []string{name})
		userEmails = append(userEmails, email)
	}
	o.cache.PutCollection(cache.UserListKey(name), userEmails, []string{name})

	groupEmails := make([]string, 0, len(groups))
	for _, g := range groups {
		email := canon.NormalizeEmail(g.PrimaryEmail)
		g.PrimaryEmail = email
		o.cache.Put(cache.GroupKey(email), g, []string{name})
		groupEmails = append(groupEmails, email)
	}
	o.cache.PutCollection(cache.GroupListKey(name), groupEmails, []string{name})

	ouPaths := make([]string, 0, len(orgUnits))
	for _, ou := range orgUnits {
		o.cache.Put(cache.OrgUnitKey(ou.Path), ou, []string{name})
		ouPaths = append(ouPaths, ou.Path)
	}
	o.cache.PutCollection(cache.OrgUnitListKey(name), ouPaths, []string{name})

	counts.Users = len(users)
	counts.Groups = len(groups)
	counts.OrgUnits = len(orgUnits)
	return counts, nil
}

// --- user creation ---

// createUser fans the spec out to each provider in order. Creation is not
// compensated: a mailbox that exists at one provider is never torn down
// because another provider refused, the mixed outcome is reported instead.
func (o *Orchestrator) createUser(ctx context.Context, req Request, targets []string, adapters []provider.Directory) (*Result, error) {
	res := &Result{Kind: req.Kind, Targets: targets}
	var outcomes []ioerr.ProviderOutcome
	var firstErr error
	succeeded := 0

	for _, a := range adapters {
		var created canon.User
		err := o.call(ctx, a.Name(), func(ctx context.Context) error {
			var err error
			created, err = a.CreateUser(ctx, *req.Spec)
			return err
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			outcomes = append(outcomes, ioerr.ProviderOutcome{
				Provider: a.Name(),
				Code:     ioerr.KindOf(err).String(),
				Message:  err.Error(),
			})
			continue
		}
		succeeded++
		outcomes = append(outcomes, ioerr.ProviderOutcome{Provider: a.Name(), Code: "created"})
		if res.Created == nil {
			u := created
			res.Created = &u
		}
	}
	res.Outcomes = outcomes

	key := cache.UserKey(req.Spec.PrimaryEmail)
	switch {
	case firstErr == nil:
		if res.Created != nil {
			o.cache.Put(key, *res.Created, req.Providers)
		}
		o.auditTerminal(req, targets, audit.OutcomeCommitted, audit.SeverityInfo, outcomeDetails(outcomes))
		return res, nil

	case succeeded > 0:
		o.cache.Invalidate(key)
		details := outcomeDetails(outcomes)
		details["note"] = "user creation is not rolled back"
		o.auditTerminal(req, targets, audit.OutcomePartial, audit.SeverityWarn, details)
		return res, ioerr.Partial(outcomes)

	default:
		o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityError, outcomeDetails(outcomes))
		return nil, firstErr
	}
}

// --- group membership ---

// setMembership converges each provider's member list to the desired set
// with the minimal add and remove calls. A failure rolls back every
// mutation already applied in this request, across providers.
func (o *Orchestrator) setMembership(ctx context.Context, req Request, targets []string, adapters []provider.Directory) (*Result, error) {
	res := &Result{Kind: req.Kind, Targets: targets}
	desired := make(map[string]bool, len(req.Members))
	for _, m := range req.Members {
		desired[m] = true
	}

	var applied []step
	fail := func(cause error) (*Result, error) {
		details := o.compensate(req, targets, applied, cause)
		o.cache.Invalidate(cache.MembersKey(req.Group))
		o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityError, details)
		return nil, cause
	}

	seenPresent := make(map[string]bool)
	for _, a := range adapters {
		name := a.Name()
		current, err := o.drainMembers(ctx, a, req.Group)
		if err != nil {
			return fail(err)
		}

		for _, m := range req.Members {
			if current[m] {
				if !seenPresent[m] {
					seenPresent[m] = true
					res.AlreadyPresent = append(res.AlreadyPresent, m)
				}
				continue
			}
			member := m
			err := o.call(ctx, name, func(ctx context.Context) error {
				_, err := a.AddMember(ctx, req.Group, member, req.Role)
				return err
			})
			if err != nil {
				return fail(err)
			}
			applied = append(applied, step{
				desc: name + " add " + member,
				undo: func(ctx context.Context) error {
					return o.call(ctx, name, func(ctx context.Context) error {
						_, err := a.RemoveMember(ctx, req.Group, member)
						return err
					})
				},
			})
			res.Added = appendUnique(res.Added, m)
		}

		for m := range current {
			if desired[m] {
				continue
			}
			member := m
			err := o.call(ctx, name, func(ctx context.Context) error {
				_, err := a.RemoveMember(ctx, req.Group, member)
				return err
			})
			if err != nil {
				return fail(err)
			}
			applied = append(applied, step{
				desc: name + " remove " + member,
				undo: func(ctx context.Context) error {
					return o.call(ctx, name, func(ctx context.Context) error {
						_, err := a.AddMember(ctx, req.Group, member, req.Role)
						return err
					})
				},
			})
			res.Removed = appendUnique(res.Removed, m)
		}
	}

	o.writeThroughMembers(req)
	details := map[string]string{
		"added":   strconv.Itoa(len(res.Added)),
		"removed": strconv.Itoa(len(res.Removed)),
	}
	o.auditTerminal(req, targets, audit.OutcomeCommitted, audit.SeverityInfo, details)
	return res, nil
}

func (o *Orchestrator) drainMembers(ctx context.Context, a provider.Directory, group string) (map[string]bool, error) {
	current := make(map[string]bool)
	cursor := ""
	for {
		var page provider.MemberPage
		err := o.call(ctx, a.Name(), func(ctx context.Context) error {
			var err error
			page, err = a.ListMembers(ctx, group, cursor)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page.Members {
			current[canon.NormalizeEmail(m.UserEmail)] = true
		}
		if page.NextCursor == "" {
			return current, nil
		}
		cursor = page.NextCursor
	}
}

// writeThroughMembers replaces the mutated providers' cached membership
// entries with the converged set, preserving entries from providers this
// request did not touch.
func (o *Orchestrator) writeThroughMembers(req Request) {
	key := cache.MembersKey(req.Group)
	mutated := make(map[string]bool, len(req.Providers))
	for _, p := range req.Providers {
		mutated[p] = true
	}

	var kept []canon.Membership
	keptProviders := make(map[string]bool)
	if v, ok := o.cache.Get(key); ok {
		if list, ok := v.([]canon.Membership); ok {
			for _, m := range list {
				if !mutated[m.Provider] {
					kept = append(kept, m)
					keptProviders[m.Provider] = true
				}
			}
		}
	}

	now := time.Now().UTC()
	for _, p := range req.Providers {
		for _, m := range req.Members {
			kept = append(kept, canon.Membership{
				GroupEmail: req.Group,
				UserEmail:  m,
				Provider:   p,
				Role:       req.Role,
				JoinedAt:   now,
			})
		}
		keptProviders[p] = true
	}
	providers := make([]string, 0, len(keptProviders))
	for p := range keptProviders {
		providers = append(providers, p)
	}
	o.cache.PutCollection(key, kept, providers)
}

// --- file access ---

func (o *Orchestrator) grantAccess(ctx context.Context, req Request, targets []string) (*Result, error) {
	name := req.Providers[0]
	drive, err := o.reg.Drive(name)
	if err != nil {
		return nil, err
	}

	var mres provider.MutationResult
	err = o.call(ctx, name, func(ctx context.Context) error {
		var err error
		mres, err = drive.Grant(ctx, *req.ACL)
		return err
	})
	if err != nil {
		o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityError, map[string]string{
			"principal": req.ACL.PrincipalID,
			"role":      string(req.ACL.Role),
			"error":     err.Error(),
		})
		return nil, err
	}

	acl := *req.ACL
	res := &Result{Kind: req.Kind, Targets: targets, Granted: &acl, Converged: mres.AlreadyPresent}
	o.cache.Put(cache.ACLKey(acl.FileID, acl.PrincipalID), acl, []string{name})
	o.auditTerminal(req, targets, audit.OutcomeCommitted, audit.SeverityInfo, map[string]string{
		"principal": acl.PrincipalID,
		"kind":      string(acl.PrincipalKind),
		"role":      string(acl.Role),
	})
	return res, nil
}

// --- user status ---

// setUserStatus suspends or restores across providers. The inverse call
// exists for both directions, so earlier providers are rolled back when a
// later one refuses.
func (o *Orchestrator) setUserStatus(ctx context.Context, req Request, targets []string, adapters []provider.Directory) (*Result, error) {
	res := &Result{Kind: req.Kind, Targets: targets}
	suspend := req.Kind == KindSuspendUser

	var applied []step
	var outcomes []ioerr.ProviderOutcome
	for _, a := range adapters {
		adapter := a
		name := a.Name()
		var mres provider.MutationResult
		err := o.call(ctx, name, func(ctx context.Context) error {
			var err error
			if suspend {
				mres, err = adapter.SuspendUser(ctx, req.User)
			} else {
				mres, err = adapter.RestoreUser(ctx, req.User)
			}
			return err
		})
		if err != nil {
			details := o.compensate(req, targets, applied, err)
			o.cache.Invalidate(cache.UserKey(req.User))
			o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityError, details)
			return nil, err
		}
		code := "applied"
		if mres.AlreadyPresent || mres.AlreadyAbsent {
			code = "already_converged"
		} else {
			applied = append(applied, step{
				desc: name + " " + string(req.Kind) + " " + req.User,
				undo: func(ctx context.Context) error {
					return o.call(ctx, name, func(ctx context.Context) error {
						var err error
						if suspend {
							_, err = adapter.RestoreUser(ctx, req.User)
						} else {
							_, err = adapter.SuspendUser(ctx, req.User)
						}
						return err
					})
				},
			})
		}
		outcomes = append(outcomes, ioerr.ProviderOutcome{Provider: name, Code: code})
	}
	res.Outcomes = outcomes
	res.Converged = len(applied) == 0

	status := canon.StatusActive
	if suspend {
		status = canon.StatusSuspended
	}
	key := cache.UserKey(req.User)
	if v, ok := o.cache.Get(key); ok {
		if u, ok := v.(canon.User); ok {
			u.Status = status
			o.cache.Put(key, u, o.cache.Providers(key))
		}
	}

	o.auditTerminal(req, targets, audit.OutcomeCommitted, audit.SeverityInfo, outcomeDetails(outcomes))
	return res, nil
}

// --- dry run ---

// plan describes what an operation would do without a single provider
// call. Membership plans state the desired end state rather than a diff,
// since computing the diff would itself require provider reads.
func (o *Orchestrator) plan(req Request, targets []string, adapters []provider.Directory) *Result {
	res := &Result{Kind: req.Kind, Targets: targets}
	for _, a := range adapters {
		name := a.Name()
		switch req.Kind {
		case KindSyncDirectory:
			res.Planned = append(res.Planned, name+": refresh users, groups, org units")
		case KindCreateUser:
			res.Planned = append(res.Planned, name+": create user "+req.Spec.PrimaryEmail)
		case KindSetMembership:
			res.Planned = append(res.Planned, fmt.Sprintf("%s: converge %s to %d members", name, req.Group, len(req.Members)))
		case KindGrantAccess:
			res.Planned = append(res.Planned, fmt.Sprintf("%s: grant %s on %s to %s",
				name, canon.ACLRoleDisplay(req.ACL.Role), req.ACL.FileID, req.ACL.PrincipalID))
		case KindSuspendUser:
			res.Planned = append(res.Planned, name+": suspend "+req.User)
		case KindRestoreUser:
			res.Planned = append(res.Planned, name+": restore "+req.User)
		}
	}
	return res
}

func outcomeDetails(outcomes []ioerr.ProviderOutcome) map[string]string {
	details := make(map[string]string, len(outcomes))
	for _, oc := range outcomes {
		details[oc.Provider] = oc.Code
	}
	return details
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
