package models

// Role роль участника workspace
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid проверяет, что роль известна
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// WorkspaceMember представляет членство пользователя в workspace.
// Авторизация всегда проверяется по workspace из запроса, никогда
// по закешированному "текущему" workspace сессии.
type WorkspaceMember struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	AddedAt     int64  `json:"added_at"` // unix миллисекунды
}
