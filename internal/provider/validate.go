package provider

import (
	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
)

// Preconditions checked before any wire call. Providers still validate
// server-side; anything that slips through surfaces as Malformed.

// ValidateEmail checks the address shape after normalization.
func ValidateEmail(field, email string) error {
	if !canon.ValidEmail(email) {
		return ioerr.Validation(field, "malformed email address")
	}
	return nil
}

// ValidateUserSpec checks a create_user input.
func ValidateUserSpec(spec canon.UserSpec) error {
	if err := ValidateEmail("email", canon.NormalizeEmail(spec.PrimaryEmail)); err != nil {
		return err
	}
	if len(spec.Password) < canon.MinPasswordLen {
		return ioerr.Validation("password", "shorter than 8 characters")
	}
	if spec.OrgUnitPath != "" && !canon.ValidOrgUnitPath(spec.OrgUnitPath) {
		return ioerr.Validation("ou", "path must be absolute with no empty segments")
	}
	return nil
}

// ValidateMemberRole checks a membership role value.
func ValidateMemberRole(role canon.MemberRole) error {
	if !canon.ValidMemberRole(role) {
		return ioerr.Validation("role", "must be owner, manager, or member")
	}
	return nil
}

// ValidateACL checks a file-permission input.
func ValidateACL(acl canon.FileACL) error {
	if acl.FileID == "" {
		return ioerr.Validation("file", "file id is empty")
	}
	if !canon.ValidACLRole(acl.Role) {
		return ioerr.Validation("role", "must be reader, commenter, writer, or owner")
	}
	if !canon.ValidPrincipalKind(acl.PrincipalKind) {
		return ioerr.Validation("principal", "kind must be user, group, domain, or anyone")
	}
	switch acl.PrincipalKind {
	case canon.PrincipalUser, canon.PrincipalGroup:
		if err := ValidateEmail("principal", canon.NormalizeEmail(acl.PrincipalID)); err != nil {
			return err
		}
	case canon.PrincipalDomain:
		if acl.PrincipalID == "" {
			return ioerr.Validation("principal", "domain is empty")
		}
	}
	return nil
}
