package models

import "time"

// Client: владелец подписки, от имени которого работают задания рассылки.
type Client struct {
	UserID            int64     `json:"user_id" db:"user_id"`
	InvitationCode    *string   `json:"invitation_code" db:"invitation_code"`
	SubscriptionEnd   time.Time `json:"subscription_end" db:"subscription_end"`
	ForwardsCount     int64     `json:"forwards_count" db:"forwards_count"`
	TotalMessagesSent int64     `json:"total_messages_sent" db:"total_messages_sent"`
	Language          string    `json:"language" db:"language"`
}

// Active проверяет, что подписка клиента ещё не истекла.
func (c Client) Active(now time.Time) bool {
	return c.SubscriptionEnd.After(now)
}
