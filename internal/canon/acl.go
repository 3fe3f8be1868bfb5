package canon

import "strings"

// ACLRole is a canonical file-sharing role. The ordering is total:
// reader < commenter < writer < owner.
type ACLRole string

const (
	ACLReader    ACLRole = "reader"
	ACLCommenter ACLRole = "commenter"
	ACLWriter    ACLRole = "writer"
	ACLOwner     ACLRole = "owner"
)

// PrincipalKind identifies what a file permission is granted to.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalGroup  PrincipalKind = "group"
	PrincipalDomain PrincipalKind = "domain"
	PrincipalAnyone PrincipalKind = "anyone"
)

// FileACL is one (file, principal) permission. A pair has exactly one role.
type FileACL struct {
	FileID        string        `json:"file_id"`
	PrincipalID   string        `json:"principal_id"`
	PrincipalKind PrincipalKind `json:"principal_kind"`
	Role          ACLRole       `json:"role"`
}

var aclRank = map[ACLRole]int{
	ACLReader:    0,
	ACLCommenter: 1,
	ACLWriter:    2,
	ACLOwner:     3,
}

// CompareACLRoles orders roles; negative when a < b.
func CompareACLRoles(a, b ACLRole) int {
	return aclRank[a] - aclRank[b]
}

// ValidACLRole reports whether the role is one of the four canonical values.
func ValidACLRole(r ACLRole) bool {
	_, ok := aclRank[r]
	return ok
}

// ValidPrincipalKind reports whether the kind is recognized.
func ValidPrincipalKind(k PrincipalKind) bool {
	switch k {
	case PrincipalUser, PrincipalGroup, PrincipalDomain, PrincipalAnyone:
		return true
	}
	return false
}

// Display aliases shown by front-ends. The mapping is bijective onto the
// canonical roles.
var aclDisplay = map[ACLRole]string{
	ACLReader:    "Viewer",
	ACLCommenter: "Commenter",
	ACLWriter:    "Editor",
	ACLOwner:     "Owner",
}

// ACLRoleDisplay returns the front-end alias for a canonical role.
func ACLRoleDisplay(r ACLRole) string {
	if d, ok := aclDisplay[r]; ok {
		return d
	}
	return string(r)
}

// ParseACLRole accepts either a canonical role name or a display alias,
// case-insensitively, and returns the canonical role.
func ParseACLRole(s string) (ACLRole, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch lower {
	case "reader", "viewer":
		return ACLReader, true
	case "commenter":
		return ACLCommenter, true
	case "writer", "editor":
		return ACLWriter, true
	case "owner":
		return ACLOwner, true
	}
	return "", false
}
