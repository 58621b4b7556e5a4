package session

import "github.com/google/uuid"

// GenerateMessageID creates a unique message identifier.
func GenerateMessageID() string {
	return "msg_" + uuid.NewString()
}

// GenerateSessionID creates a unique session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}
