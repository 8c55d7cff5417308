package models

// Identity is the signed-in user as seen by the collaboration core.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
