// Package canon defines the provider-neutral entity model and the
// normalization rules that make cross-provider identity possible. The
// canonical identifier for users and groups is the NFC-normalized,
// lowercased primary email; for org units the absolute path.
package canon

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// UserStatus is the lifecycle state of a canonical user.
type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusSuspended UserStatus = "suspended"
	StatusDeleted   UserStatus = "deleted"
)

// MemberRole is the role of a principal inside a group.
type MemberRole string

const (
	RoleOwner   MemberRole = "owner"
	RoleManager MemberRole = "manager"
	RoleMember  MemberRole = "member"
)

// User is the canonical user entity. Identity is the normalized primary email.
type User struct {
	PrimaryEmail    string     `json:"primary_email"`
	DisplayName     string     `json:"display_name"`
	GivenName       string     `json:"given_name"`
	FamilyName      string     `json:"family_name"`
	Status          UserStatus `json:"status"`
	OrgUnitPath     string     `json:"org_unit_path,omitempty"`
	SecondaryEmails []string   `json:"secondary_emails,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	LastLogin       time.Time  `json:"last_login,omitempty"`
}

// Group is the canonical group entity. Identity is the normalized primary email.
type Group struct {
	PrimaryEmail string `json:"primary_email"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description,omitempty"`
	MemberCount  int    `json:"member_count"`
}

// OrgUnit is a read-only organizational unit. Identity is the absolute path.
type OrgUnit struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
}

// ParentPath derives the parent of an org unit path; the root is its own parent.
func (o OrgUnit) ParentPath() string {
	if o.Path == "/" || o.Path == "" {
		return "/"
	}
	idx := strings.LastIndex(o.Path, "/")
	if idx <= 0 {
		return "/"
	}
	return o.Path[:idx]
}

// Membership ties a user to a group at one provider. Entities are referenced
// by canonical identifier only; live objects resolve through the cache.
type Membership struct {
	GroupEmail string     `json:"group_email"`
	UserEmail  string     `json:"user_email"`
	Provider   string     `json:"provider"`
	Role       MemberRole `json:"role"`
	JoinedAt   time.Time  `json:"joined_at,omitempty"`
}

// UserSpec is the input for creating a user.
type UserSpec struct {
	PrimaryEmail string
	GivenName    string
	FamilyName   string
	Password     string
	OrgUnitPath  string
	Phone        string
}

// UserDelta is a partial update; nil fields are left untouched.
type UserDelta struct {
	DisplayName *string
	GivenName   *string
	FamilyName  *string
	OrgUnitPath *string
	Phone       *string
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// NormalizeEmail maps an email to its canonical identifier: NFC then lowercase.
// Idempotent by construction.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

// ValidEmail reports whether the (already normalized or raw) address is
// well-formed.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// MinPasswordLen is the provider-enforced floor re-checked client-side.
const MinPasswordLen = 8

// ValidOrgUnitPath reports whether a path is absolute, has no empty segments,
// and carries no trailing slash (the root "/" excepted).
func ValidOrgUnitPath(path string) bool {
	if path == "/" {
		return true
	}
	if !strings.HasPrefix(path, "/") {
		return false
	}
	if strings.Contains(path, "//") {
		return false
	}
	if strings.HasSuffix(path, "/") {
		return false
	}
	return true
}

// ValidMemberRole reports whether the role is one of the three named values.
func ValidMemberRole(r MemberRole) bool {
	switch r {
	case RoleOwner, RoleManager, RoleMember:
		return true
	}
	return false
}
