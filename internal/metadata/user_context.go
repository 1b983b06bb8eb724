package metadata

// UserContext is the authenticated caller as seen by the engine; the auth
// middleware attaches it to the request.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u *UserContext) IsAdmin() bool {
	return u.HasRole("admin")
}
