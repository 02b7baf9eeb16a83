package models

// Roles of the current user
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// User is the counterpart shown in a conversation
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage"`
	IsOnline     bool   `json:"isOnline"`
}

// OnlineUser is an ephemeral presence record pushed by the server
type OnlineUser struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage"`
}

// CurrentUser is the authenticated user the engine acts for
type CurrentUser struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}
