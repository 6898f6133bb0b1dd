package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool { return role == RoleUser || role == RoleAdmin }

// CanManageCall reports whether a caller may act on a call owned by ownerID.
// Owners may act on their own calls; admins on any.
func CanManageCall(userID, role, ownerID string) bool {
	return IsAdmin(role) || (userID != "" && userID == ownerID)
}
