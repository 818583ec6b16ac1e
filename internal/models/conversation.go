package models

// ConversationContext carries the parameters supplied when a
// conversation is opened. Immutable for the life of the session.
type ConversationContext struct {
	ConversationID  string
	Title           string
	BackgroundColor string
	UserID          string
	UserName        string
}
