package chat

// SendDestination receives outbound chat messages.
const SendDestination = "/app/private/chat"

// EventChannel is the per-user channel for typed chat events.
func EventChannel(userID string) string {
	return "/user/" + userID + "/private/chat/event"
}

// MessageChannel is the per-user channel for message deliveries.
func MessageChannel(userID string) string {
	return "/user/" + userID + "/private/chat"
}

// DeleteDestination asks the server to delete a message.
func DeleteDestination(messageID string) string {
	return SendDestination + "/delete/" + messageID
}

// SeenDestination asks the server to mark a message seen.
func SeenDestination(messageID string) string {
	return SendDestination + "/seen/" + messageID
}
