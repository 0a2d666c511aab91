package wb

import "strings"

// DefaultUser substitutes for blank user IDs so development clients that
// have not completed sign-in still land on a usable stream.
const DefaultUser = "test-user"

// Input stream sources recognized under user:{U}:in:{source}.
const (
	SourceCalendar = "calendar"
	SourceProd     = "prod"
	SourceEmail    = "email"
)

// Control channel names recognized under user:{U}:control:{channel}.
const (
	ControlProd = "prod"
	ControlMail = "mail"
)

// NormalizeUser maps whitespace-only user IDs to DefaultUser.
func NormalizeUser(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return DefaultUser
	}
	return userID
}

// WBKey derives the whiteboard stream key for a user.
func WBKey(userID string) string {
	return "user:" + NormalizeUser(userID) + ":wb"
}

// InputKey derives the input stream key for a user and source.
func InputKey(userID, source string) string {
	return "user:" + NormalizeUser(userID) + ":in:" + source
}

// ControlKey derives the internal control stream key for a user and channel.
func ControlKey(userID, channel string) string {
	return "user:" + NormalizeUser(userID) + ":control:" + channel
}

// StreamKind reduces a stream key to its kind ("wb", "in:prod",
// "control:mail") for low-cardinality metric labels.
func StreamKind(stream string) string {
	parts := strings.SplitN(stream, ":", 3)
	if len(parts) < 3 || parts[0] != "user" {
		return "other"
	}
	return parts[2]
}
