// Package compose maps a decrypted Misskey push payload onto the
// provider-agnostic notification record. The mapping mirrors the client's
// own service-worker notification builder; unknown types degrade to a bare
// notification carrying only the sender host and the raw payload.
package compose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
)

const maxBodyLen = 500

// Compose decodes the plaintext JSON and builds a Notification. host, when
// set, becomes the subtitle so the user can tell which instance sent the
// push.
func Compose(plaintext []byte, host string) (*models.Notification, error) {
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("compose: decode payload: %w", err)
	}

	n := &models.Notification{
		Subtitle: host,
		Payload:  data,
	}
	body, ok := data["body"].(map[string]any)
	if !ok {
		return n, nil
	}

	user := asMap(body["user"])
	note := asMap(body["note"])
	name := nameOrUsername(user)
	noteText := truncate(stringField(note, "text"), maxBodyLen)
	avatar := stringField(user, "avatarUrl")

	switch stringField(body, "type") {
	case "follow":
		n.TitleLocKey = "_notification.youWereFollowed"
		n.Body = name
		n.Image = avatar
	case "mention":
		n.TitleLocKey = "_notification.youGotMention"
		n.TitleLocArgs = []string{name}
		n.Body = noteText
		n.Image = avatar
	case "reply":
		n.TitleLocKey = "_notification.youGotReply"
		n.TitleLocArgs = []string{name}
		n.Body = noteText
		n.Image = avatar
	case "renote":
		n.TitleLocKey = "_notification.youRenoted"
		n.TitleLocArgs = []string{name}
		n.Body = noteText
		n.Image = avatar
	case "quote":
		n.TitleLocKey = "_notification.youGotQuote"
		n.TitleLocArgs = []string{name}
		n.Body = noteText
		n.Image = avatar
	case "note":
		n.TitleLocKey = "_notification.newNote"
		n.TitleLocArgs = []string{name}
		n.Body = noteText
		n.Image = avatar
	case "reaction":
		reaction := stringField(body, "reaction")
		reaction = strings.ReplaceAll(strings.SplitN(reaction, "@", 2)[0], ":", "")
		n.Title = reaction + " " + name
		n.Body = noteText
		n.Image = avatar
	case "receiveFollowRequest":
		n.TitleLocKey = "_notification.youReceivedFollowRequest"
		n.Body = name
		n.Image = avatar
	case "followRequestAccepted":
		n.TitleLocKey = "_notification.yourFollowRequestAccepted"
		n.Body = name
		n.Image = avatar
	case "achievementEarned":
		n.TitleLocKey = "_notification.achievementEarned"
		n.BodyLocKey = "_achievements._types._" + stringField(body, "achievement") + ".title"
	case "login":
		n.TitleLocKey = "_notification.login"
	case "exportCompleted":
		n.TitleLocKey = "_notification.exportOf" + capitalize(stringField(body, "exportedEntity")) + "Completed"
	case "pollEnded":
		n.TitleLocKey = "_notification.pollEnded"
		n.Body = noteText
	case "roleAssigned":
		role := asMap(body["role"])
		n.TitleLocKey = "_notification.roleAssigned"
		n.Body = stringField(role, "name")
		n.Image = stringField(role, "iconUrl")
	case "chatRoomInvitationReceived":
		n.TitleLocKey = "_notification.chatRoomInvitationReceived"
		n.Body = stringField(asMap(asMap(body["invitation"])["room"]), "name")
	case "createToken":
		n.TitleLocKey = "_notification.createToken"
		n.BodyLocKey = "_notification.createTokenDescription"
	case "scheduleNote":
		n.TitleLocKey = "_notification._types.scheduleNote"
		n.Body = stringField(body, "errorType")
	case "noteScheduled":
		n.TitleLocKey = "_notification.noteScheduled"
		n.Body = stringField(asMap(asMap(body["draft"])["data"]), "text")
	case "scheduledNotePosted":
		n.TitleLocKey = "_notification.scheduledNotePosted"
		n.Body = noteText
	case "scheduledNoteError":
		n.TitleLocKey = "_notification.scheduledNoteError"
		n.Body = stringField(asMap(body["draft"]), "reason")
	case "app":
		header := stringField(body, "header")
		text := stringField(body, "body")
		if header != "" {
			n.Title = header
			n.Body = text
		} else {
			n.Title = text
		}
		n.Image = stringField(body, "icon")
	case "test":
		n.TitleLocKey = "_notification.testNotification"
		n.BodyLocKey = "_notification.notificationWillBeDisplayedLikeThis"
	}
	return n, nil
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func nameOrUsername(user map[string]any) string {
	if name := stringField(user, "name"); name != "" {
		return name
	}
	return stringField(user, "username")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
