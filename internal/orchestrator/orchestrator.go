// Package orchestrator drives every admin operation through a fixed
// lifecycle: validate, authorize, execute against the providers in a
// deterministic order, then commit or compensate. One terminal audit
// record is written per operation, and terminal results are remembered
// by idempotency key so a replay never touches a provider twice.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/audit"
	"github.com/crosswire-id/crosswire/internal/cache"
	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/credstore"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/provider"
	"github.com/crosswire-id/crosswire/internal/retry"
)

// Kind names an orchestrated operation.
type Kind string

const (
	KindSyncDirectory Kind = "sync_directory"
	KindCreateUser    Kind = "create_user"
	KindSetMembership Kind = "set_group_membership"
	KindGrantAccess   Kind = "grant_file_access"
	KindSuspendUser   Kind = "suspend_user"
	KindRestoreUser   Kind = "restore_user"
)

// DefaultDeadline bounds a whole operation unless the request overrides it.
const DefaultDeadline = 30 * time.Second

// compensationDeadline bounds rollback after the request deadline has
// already been spent.
const compensationDeadline = 30 * time.Second

// Request is one operation submission. Exactly the fields matching Kind
// are read; the rest are ignored.
type Request struct {
	Kind           Kind
	Providers      []string
	DryRun         bool
	IdempotencyKey string
	Deadline       time.Duration

	Spec    *canon.UserSpec  // create_user
	Group   string           // set_group_membership
	Members []string         // desired membership set
	Role    canon.MemberRole // role for added members
	ACL     *canon.FileACL   // grant_file_access
	User    string           // suspend_user, restore_user
}

// SyncCounts reports what one provider contributed to a directory sync.
type SyncCounts struct {
	Users     int `json:"users"`
	Groups    int `json:"groups"`
	OrgUnits  int `json:"org_units"`
	Calendars int `json:"calendars,omitempty"`
}

// Result is the terminal outcome of an operation.
type Result struct {
	Kind    Kind     `json:"kind"`
	Targets []string `json:"targets"`

	Added          []string `json:"added,omitempty"`
	Removed        []string `json:"removed,omitempty"`
	AlreadyPresent []string `json:"already_present,omitempty"`

	Created   *canon.User           `json:"created,omitempty"`
	Granted   *canon.FileACL        `json:"granted,omitempty"`
	Converged bool                  `json:"converged,omitempty"`
	Synced    map[string]SyncCounts `json:"synced,omitempty"`

	Outcomes []ioerr.ProviderOutcome `json:"outcomes,omitempty"`
	Planned  []string                `json:"planned,omitempty"`
}

// TokenSource is the credential surface the orchestrator needs for its
// pre-flight authorization step and mid-operation refresh.
type TokenSource interface {
	GetToken(ctx context.Context, provider string, scopes []string) (*credstore.Token, error)
	Refresh(ctx context.Context, provider string, scopes []string) (*credstore.Token, error)
}

// Options wires an Orchestrator. Registry is required; a nil TokenSource
// skips the authorization step, which only test setups should do.
type Options struct {
	Registry *provider.Registry
	Tokens   TokenSource
	Scopes   map[string][]string
	Cache    *cache.Cache
	Audit    *audit.Log
	Logger   zerolog.Logger
	Retry    retry.Policy
	Deadline time.Duration

	// IdempotencyWindow is how long terminal results replay for a repeated
	// key. Zero selects the one-hour default.
	IdempotencyWindow time.Duration
}

// Orchestrator serializes operations per target and runs them through the
// provider adapters.
type Orchestrator struct {
	reg      *provider.Registry
	tokens   TokenSource
	scopes   map[string][]string
	cache    *cache.Cache
	audit    *audit.Log
	logger   zerolog.Logger
	retry    retry.Policy
	deadline time.Duration

	locks *targetLocks
	idem  *idemWindow
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		reg:      opts.Registry,
		tokens:   opts.Tokens,
		scopes:   opts.Scopes,
		cache:    opts.Cache,
		audit:    opts.Audit,
		logger:   opts.Logger,
		retry:    opts.Retry,
		deadline: opts.Deadline,
		locks:    newTargetLocks(),
		idem:     newIdemWindow(opts.IdempotencyWindow),
	}
	if o.retry.MaxRetries == 0 {
		o.retry = retry.Default()
	}
	if o.deadline <= 0 {
		o.deadline = DefaultDeadline
	}
	if o.cache == nil {
		o.cache = cache.New(cache.Options{})
	}
	if o.audit == nil {
		o.audit = audit.OpenMemory("", "")
	}
	return o
}

// Execute runs one operation to a terminal state. The returned Result is
// valid for committed, partial, and dry-run outcomes; err carries the
// taxonomy kind otherwise.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	if res, err, ok := o.idem.lookup(req.IdempotencyKey); ok {
		o.logger.Debug().Str("kind", string(req.Kind)).Msg("idempotency window hit")
		return res, err
	}

	targets, adapters, err := o.validate(&req)
	if err != nil {
		o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityWarn, map[string]string{
			"error": err.Error(),
		})
		return nil, err
	}

	locked := lockOrder(targets)
	o.locks.acquire(locked)
	defer o.locks.release(locked)

	if err := o.authorize(ctx, req.Providers); err != nil {
		o.auditTerminal(req, targets, audit.OutcomeFailed, audit.SeverityError, map[string]string{
			"error": err.Error(),
			"stage": "authorize",
		})
		o.idem.store(req.IdempotencyKey, nil, err)
		return nil, err
	}

	if req.DryRun {
		res := o.plan(req, targets, adapters)
		o.auditTerminal(req, targets, audit.OutcomeDryRun, audit.SeverityInfo, nil)
		return res, nil
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = o.deadline
	}
	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res, err := o.dispatch(opCtx, req, targets, adapters)
	err = normalizeCtxErr(opCtx, err)

	o.idem.store(req.IdempotencyKey, res, err)
	return res, err
}

// validate normalizes the request in place and resolves its adapters.
// Nothing here contacts a provider.
func (o *Orchestrator) validate(req *Request) ([]string, []provider.Directory, error) {
	if len(req.Providers) == 0 {
		return nil, nil, ioerr.Validation("providers", "at least one provider is required")
	}
	req.Providers = orderProviders(req.Kind, req.Providers)
	adapters := make([]provider.Directory, 0, len(req.Providers))
	for _, name := range req.Providers {
		a, err := o.reg.Get(name)
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, a)
	}

	switch req.Kind {
	case KindSyncDirectory:
		return append([]string(nil), req.Providers...), adapters, nil

	case KindCreateUser:
		if req.Spec == nil {
			return nil, nil, ioerr.Validation("spec", "user spec is required")
		}
		req.Spec.PrimaryEmail = canon.NormalizeEmail(req.Spec.PrimaryEmail)
		if err := provider.ValidateUserSpec(*req.Spec); err != nil {
			return []string{req.Spec.PrimaryEmail}, nil, err
		}
		return []string{req.Spec.PrimaryEmail}, adapters, nil

	case KindSetMembership:
		req.Group = canon.NormalizeEmail(req.Group)
		if err := provider.ValidateEmail("group", req.Group); err != nil {
			return nil, nil, err
		}
		if req.Role == "" {
			req.Role = canon.RoleMember
		}
		if err := provider.ValidateMemberRole(req.Role); err != nil {
			return []string{req.Group}, nil, err
		}
		seen := make(map[string]bool, len(req.Members))
		normalized := make([]string, 0, len(req.Members))
		for _, m := range req.Members {
			m = canon.NormalizeEmail(m)
			if err := provider.ValidateEmail("members", m); err != nil {
				return []string{req.Group}, nil, err
			}
			if !seen[m] {
				seen[m] = true
				normalized = append(normalized, m)
			}
		}
		req.Members = normalized
		return []string{req.Group}, adapters, nil

	case KindGrantAccess:
		if req.ACL == nil {
			return nil, nil, ioerr.Validation("acl", "file grant is required")
		}
		if len(req.Providers) != 1 {
			return nil, nil, ioerr.Validation("providers", "file access uses exactly one provider")
		}
		if req.ACL.PrincipalKind == canon.PrincipalUser || req.ACL.PrincipalKind == canon.PrincipalGroup {
			req.ACL.PrincipalID = canon.NormalizeEmail(req.ACL.PrincipalID)
		}
		if err := provider.ValidateACL(*req.ACL); err != nil {
			return []string{req.ACL.FileID}, nil, err
		}
		if _, err := o.reg.Drive(req.Providers[0]); err != nil {
			return []string{req.ACL.FileID}, nil, err
		}
		return []string{req.ACL.FileID}, adapters, nil

	case KindSuspendUser, KindRestoreUser:
		req.User = canon.NormalizeEmail(req.User)
		if err := provider.ValidateEmail("user", req.User); err != nil {
			return nil, nil, err
		}
		return []string{req.User}, adapters, nil
	}
	return nil, nil, ioerr.Validation("kind", "unknown operation kind: "+string(req.Kind))
}

// authorize obtains a token per provider before any wire call, so a
// credential problem surfaces as one clean failure instead of a
// half-executed operation.
func (o *Orchestrator) authorize(ctx context.Context, providers []string) error {
	if o.tokens == nil {
		return nil
	}
	for _, name := range providers {
		if _, err := o.tokens.GetToken(ctx, name, o.scopes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req Request, targets []string, adapters []provider.Directory) (*Result, error) {
	switch req.Kind {
	case KindSyncDirectory:
		return o.syncDirectory(ctx, req, adapters)
	case KindCreateUser:
		return o.createUser(ctx, req, targets, adapters)
	case KindSetMembership:
		return o.setMembership(ctx, req, targets, adapters)
	case KindGrantAccess:
		return o.grantAccess(ctx, req, targets)
	case KindSuspendUser, KindRestoreUser:
		return o.setUserStatus(ctx, req, targets, adapters)
	}
	return nil, ioerr.Validation("kind", "unknown operation kind: "+string(req.Kind))
}

// call runs one provider interaction under the retry policy. An expired
// token is refreshed once through the credential store before the retry.
func (o *Orchestrator) call(ctx context.Context, providerName string, fn func(context.Context) error) error {
	refresh := func(ctx context.Context) error {
		if o.tokens == nil {
			return nil
		}
		_, err := o.tokens.Refresh(ctx, providerName, o.scopes[providerName])
		return err
	}
	return retry.Do(ctx, o.retry, refresh, fn)
}

func (o *Orchestrator) auditTerminal(req Request, targets []string, outcome audit.Outcome, sev audit.Severity, details map[string]string) {
	o.audit.Mutation(string(req.Kind), targets, req.Providers, outcome, sev, details)
}

// providerRank fixes the execution order across providers. The identity
// system of record mutates before the workspace, except user creation
// where the workspace assigns the mailbox first.
var providerRank = map[string]int{
	provider.IMS:       0,
	provider.Workspace: 1,
	provider.Tracker:   2,
}

func orderProviders(kind Kind, providers []string) []string {
	out := append([]string(nil), providers...)
	rank := func(name string) int {
		r, ok := providerRank[name]
		if !ok {
			return len(providerRank)
		}
		if kind == KindCreateUser {
			if name == provider.Workspace {
				return -1
			}
		}
		return r
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// lockOrder sorts and de-duplicates targets so concurrent operations
// acquire locks in one global order.
func lockOrder(targets []string) []string {
	out := append([]string(nil), targets...)
	sort.Strings(out)
	j := 0
	for i, t := range out {
		if i == 0 || t != out[i-1] {
			out[j] = t
			j++
		}
	}
	return out[:j]
}

// normalizeCtxErr maps context expiry onto the error taxonomy after an
// executor returns.
func normalizeCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if !ioerr.IsKind(err, ioerr.KindTimeout) {
			return ioerr.Wrap(ioerr.KindTimeout, "operation deadline elapsed", err)
		}
	case errors.Is(ctx.Err(), context.Canceled):
		if !ioerr.IsKind(err, ioerr.KindCancelled) {
			return ioerr.Wrap(ioerr.KindCancelled, "operation cancelled", err)
		}
	}
	return err
}
