package abac

import "slices"

// MatchesCollectionRule reports whether p applies to user for collection
// rules. Team principals are checked against the user's team ids only.
func MatchesCollectionRule(p Principal, user *UserAccessContext) bool {
	return matchPrincipal(p, user, false)
}

// MatchesPropertyRule reports whether p applies to user for property rules.
// Team principals are checked against group ids as well as team ids.
func MatchesPropertyRule(p Principal, user *UserAccessContext) bool {
	return matchPrincipal(p, user, true)
}

func matchPrincipal(p Principal, user *UserAccessContext, includeGroups bool) bool {
	if p.IsEveryone() {
		return true
	}
	if user == nil {
		return false
	}
	switch p.Kind {
	case PrincipalUser:
		return user.ID != "" && user.ID == p.ID
	case PrincipalRole:
		return slices.Contains(user.RoleIDs, p.ID)
	case PrincipalTeam:
		if slices.Contains(user.TeamIDs, p.ID) {
			return true
		}
		return includeGroups && slices.Contains(user.GroupIDs, p.ID)
	}
	return false
}
