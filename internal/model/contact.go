package model

import "time"

// Contact — направленное ребро: added_by добавил contact к себе в список.
// Обратное ребро («кто добавил меня») — отдельный запрос, не это же ребро.
type Contact struct {
	AddedByID string    `json:"addedById"`
	ContactID string    `json:"contactId"`
	CreatedAt time.Time `json:"createdAt"`
}
