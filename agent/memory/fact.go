package memory

import "time"

// Fact is one durable preference/fact statement about a user. Facts are
// append-only: superseded statements are never deleted, they just rank
// lower on recall.
type Fact struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Statement   string    `json:"statement"`
	ExtractedAt time.Time `json:"extracted_at"`
	SessionID   string    `json:"session_id"`
}
