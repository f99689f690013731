package store

import "github.com/google/uuid"

// newOrigin returns a time-ordered id for this process. Events carry it so
// logs shared between processes show who appended what.
func newOrigin() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
