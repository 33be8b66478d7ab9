package auth

// CanViewMatter checks if the user can view documents in a matter.
func CanViewMatter(payload *TokenPayload, matterID string) bool {
	if payload == nil {
		return false
	}

	// Admins can view everything
	if payload.Permissions.IsAdmin {
		return true
	}

	// Editing implies viewing
	if CanEditMatter(payload, matterID) {
		return true
	}

	for _, id := range payload.Permissions.CanView {
		if id == "*" || id == matterID {
			return true
		}
	}

	return false
}

// CanEditMatter checks if the user can edit documents in a matter.
func CanEditMatter(payload *TokenPayload, matterID string) bool {
	if payload == nil {
		return false
	}

	// Admins can edit everything
	if payload.Permissions.IsAdmin {
		return true
	}

	for _, id := range payload.Permissions.CanEdit {
		if id == "*" || id == matterID {
			return true
		}
	}

	return false
}

// CreateUserPermissions creates non-admin user permissions.
func CreateUserPermissions(canView, canEdit []string) MatterPermissions {
	return MatterPermissions{
		CanView: canView,
		CanEdit: canEdit,
		IsAdmin: false,
	}
}

// CreateAdminPermissions creates admin permissions with full access.
func CreateAdminPermissions() MatterPermissions {
	return MatterPermissions{
		CanView: []string{"*"},
		CanEdit: []string{"*"},
		IsAdmin: true,
	}
}
