package models

// DestinationGroup: именованный набор чатов-получателей, собранный клиентом.
type DestinationGroup struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	OwnerID int64  `json:"owner_id" db:"owner_id"`
}

// GroupMember: чат внутри группы получателей.
// Уникальность обеспечивается тройкой (chat_id, owner_id, group_id).
type GroupMember struct {
	ID      int64   `json:"id" db:"id"`
	ChatID  int64   `json:"chat_id" db:"chat_id"`
	Title   *string `json:"title" db:"title"`
	Link    *string `json:"link" db:"link"`
	OwnerID int64   `json:"owner_id" db:"owner_id"`
	GroupID int64   `json:"group_id" db:"group_id"`
}
