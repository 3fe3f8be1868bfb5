package cache

// Key builders for the canonical namespaces. Collection keys are per
// provider so one provider's refresh never masks another's staleness.

func UserKey(email string) string { return "user:" + email }

func GroupKey(email string) string { return "group:" + email }

func OrgUnitKey(path string) string { return "ou:" + path }

func MembersKey(group string) string { return "members:" + group }

func ACLKey(fileID, principal string) string { return "acl:" + fileID + "\x00" + principal }

func UserListKey(provider string) string { return "users@" + provider }

func GroupListKey(provider string) string { return "groups@" + provider }

func OrgUnitListKey(provider string) string { return "ous@" + provider }
