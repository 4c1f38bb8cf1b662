package workspace

import "slices"

// Access selects which half of an ACL rule applies.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

func (r *FolderACLRule) effect(a Access) Effect {
	e := r.Read
	if a == AccessWrite {
		e = r.Write
	}
	if e == "" {
		return EffectInherit
	}
	return e
}

// ResolveACL walks path, which runs from the target folder to the root
// (nil last), and returns the effect of the nearest level carrying an
// explicit allow or deny for any of roleIDs. Within one level an allow
// from any role beats a deny from another. EffectInherit means no level
// decided and the caller falls back to role permissions.
func ResolveACL(path []*string, rules []*FolderACLRule, roleIDs []string, access Access) Effect {
	for _, folderID := range path {
		decided := EffectInherit
		for _, rule := range rules {
			if !SameFolder(rule.FolderID, folderID) || !slices.Contains(roleIDs, rule.RoleID) {
				continue
			}
			switch rule.effect(access) {
			case EffectAllow:
				decided = EffectAllow
			case EffectDeny:
				if decided != EffectAllow {
					decided = EffectDeny
				}
			}
		}
		if decided != EffectInherit {
			return decided
		}
	}
	return EffectInherit
}
