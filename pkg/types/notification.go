package types

// Notification is a message for the person running the meter reader, shown
// until it is dismissed by ID.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}
