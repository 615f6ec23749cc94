package commands

// Policy decides which commands need an admin caller.
type Policy struct {
	// AdminCommands holds lowercased command names restricted to admins.
	AdminCommands map[string]struct{}
	// RequireAdminForManage restricts create, update and avatar.
	RequireAdminForManage bool
}

// Allowed reports whether the caller may run cmd. Delete always needs admin.
func (p Policy) Allowed(cmd Command, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	switch cmd.(type) {
	case Delete:
		return false
	case Create, Update, Avatar:
		if p.RequireAdminForManage {
			return false
		}
	}
	_, restricted := p.AdminCommands[cmd.Name()]
	return !restricted
}
