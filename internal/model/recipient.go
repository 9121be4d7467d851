package model

// Recipient is one member eligible to receive campaigns. Address is the
// unique contact identity; only active recipients are targeted.
type Recipient struct {
	ID          int    `db:"id" json:"id"`
	Address     string `db:"address" json:"address"`
	DisplayName string `db:"display_name" json:"display_name"`
	Active      bool   `db:"active" json:"active"`
}
