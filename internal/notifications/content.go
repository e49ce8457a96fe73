package notifications

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the domain event a notification describes.
type Type string

const (
	TypeEventInvite    Type = "event_invite"
	TypeEventUpdate    Type = "event_update"
	TypeEventReminder  Type = "event_reminder"
	TypeEventCancelled Type = "event_cancelled"
	TypeTribeInvite    Type = "tribe_invite"
	TypeTribeUpdate    Type = "tribe_update"
	TypeSocialFollow   Type = "social_follow"
	TypeSocialLike     Type = "social_like"
	TypeSocialComment  Type = "social_comment"
	TypeSocialMention  Type = "social_mention"
	TypeChatMessage    Type = "chat_message"
	TypeSystem         Type = "system"
)

// Content is the rendered title, body and payload of a notification.
type Content struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

type template struct {
	title    string
	body     string
	priority Priority
}

// Placeholders are {name} references into the context data.
var templates = map[Type]template{
	TypeEventInvite:    {title: "You're invited to {eventName}", body: "{senderName} invited you to {eventName}", priority: PriorityNormal},
	TypeEventUpdate:    {title: "{eventName} was updated", body: "{senderName} updated the details of {eventName}", priority: PriorityNormal},
	TypeEventReminder:  {title: "Reminder: {eventName}", body: "{eventName} starts {startsIn}", priority: PriorityHigh},
	TypeEventCancelled: {title: "{eventName} was cancelled", body: "{senderName} cancelled {eventName}", priority: PriorityHigh},
	TypeTribeInvite:    {title: "Join {tribeName}", body: "{senderName} invited you to join {tribeName}", priority: PriorityNormal},
	TypeTribeUpdate:    {title: "News from {tribeName}", body: "{tribeName} has new activity", priority: PriorityLow},
	TypeSocialFollow:   {title: "New follower", body: "{senderName} started following you", priority: PriorityLow},
	TypeSocialLike:     {title: "New like", body: "{senderName} liked your {targetType}", priority: PriorityLow},
	TypeSocialComment:  {title: "New comment", body: "{senderName} commented: {commentPreview}", priority: PriorityNormal},
	TypeSocialMention:  {title: "You were mentioned", body: "{senderName} mentioned you in {targetType}", priority: PriorityNormal},
	TypeChatMessage:    {title: "{senderName}", body: "{messagePreview}", priority: PriorityNormal},
}

var placeholderDefaults = map[string]string{
	"senderName":     "Someone",
	"eventName":      "an event",
	"tribeName":      "a tribe",
	"startsIn":       "soon",
	"targetType":     "post",
	"commentPreview": "",
	"messagePreview": "New message",
}

const (
	genericTitle     = "New notification"
	genericBody      = "You have a new update"
	maxPreviewLength = 120
	previewEllipsis  = "…"
)

// BuildContent renders the notification text for notificationType from contextData.
// Unknown types fall back to a generic title and body. The returned data always carries
// the type and a copy of contextData.
func BuildContent(notificationType Type, contextData map[string]any) Content {
	data := make(map[string]any, len(contextData)+1)
	for key, value := range contextData {
		data[key] = value
	}
	data["type"] = string(notificationType)

	entry, ok := templates[notificationType]
	if !ok {
		title := genericTitle
		if value, ok := stringValue(contextData, "title"); ok {
			title = value
		}
		body := genericBody
		if value, ok := stringValue(contextData, "body"); ok {
			body = value
		}
		return Content{Title: title, Body: body, Data: data}
	}
	return Content{
		Title: render(entry.title, contextData),
		Body:  render(entry.body, contextData),
		Data:  data,
	}
}

// DefaultPriority is the priority used when a caller does not set one.
func DefaultPriority(notificationType Type) Priority {
	if entry, ok := templates[notificationType]; ok {
		return entry.priority
	}
	return PriorityNormal
}

// KnownTypes lists the types with dedicated templates, sorted.
func KnownTypes() []Type {
	types := make([]Type, 0, len(templates))
	for notificationType := range templates {
		types = append(types, notificationType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func render(pattern string, contextData map[string]any) string {
	var builder strings.Builder
	for {
		start := strings.IndexByte(pattern, '{')
		if start < 0 {
			builder.WriteString(pattern)
			break
		}
		end := strings.IndexByte(pattern[start:], '}')
		if end < 0 {
			builder.WriteString(pattern)
			break
		}
		builder.WriteString(pattern[:start])
		name := pattern[start+1 : start+end]
		value, ok := stringValue(contextData, name)
		if !ok {
			value = placeholderDefaults[name]
		}
		if strings.HasSuffix(name, "Preview") {
			value = truncate(value, maxPreviewLength)
		}
		builder.WriteString(value)
		pattern = pattern[start+end+1:]
	}
	return strings.TrimSpace(builder.String())
}

func stringValue(contextData map[string]any, key string) (string, bool) {
	raw, ok := contextData[key]
	if !ok || raw == nil {
		return "", false
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	return value, value != ""
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + previewEllipsis
}
