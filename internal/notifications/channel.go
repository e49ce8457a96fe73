package notifications

import (
	"strings"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
)

// ChannelKind names a delivery medium.
type ChannelKind string

const (
	ChannelInApp ChannelKind = "in_app"
	ChannelPush  ChannelKind = "push"
	ChannelEmail ChannelKind = "email"
	ChannelSMS   ChannelKind = "sms"
)

// Channel is one requested delivery medium with the options it needs.
// The concrete types are InApp, Push, Email and SMS.
type Channel interface {
	Kind() ChannelKind
}

// InApp delivers through the notification record itself and a live push when online.
type InApp struct{}

// Push delivers to the recipient's registered devices.
type Push struct {
	Badge int
	Sound string
}

// Email delivers to Address, or the recipient's profile email when empty.
type Email struct {
	Address string
}

// SMS delivers to PhoneNumber, or the recipient's profile phone when empty.
type SMS struct {
	PhoneNumber string
}

func (InApp) Kind() ChannelKind { return ChannelInApp }
func (Push) Kind() ChannelKind  { return ChannelPush }
func (Email) Kind() ChannelKind { return ChannelEmail }
func (SMS) Kind() ChannelKind   { return ChannelSMS }

// ChannelSpec is the wire form of a channel request.
type ChannelSpec struct {
	Type        string `json:"type"`
	Badge       int    `json:"badge,omitempty"`
	Sound       string `json:"sound,omitempty"`
	Address     string `json:"address,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

const opParseChannels = "notifications.parse_channels"

// ParseChannels converts channel names into channels with default options.
func ParseChannels(names []string) ([]Channel, error) {
	specs := make([]ChannelSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, ChannelSpec{Type: name})
	}
	return ParseChannelSpecs(specs)
}

// ParseChannelSpecs validates specs. Duplicate kinds keep the first occurrence.
func ParseChannelSpecs(specs []ChannelSpec) ([]Channel, error) {
	if len(specs) == 0 {
		return nil, apperr.New(apperr.KindValidation, opParseChannels, "no_channels", nil)
	}
	seen := make(map[ChannelKind]struct{}, len(specs))
	channels := make([]Channel, 0, len(specs))
	for _, spec := range specs {
		var channel Channel
		switch ChannelKind(strings.ToLower(strings.TrimSpace(spec.Type))) {
		case ChannelInApp:
			channel = InApp{}
		case ChannelPush:
			channel = Push{Badge: spec.Badge, Sound: strings.TrimSpace(spec.Sound)}
		case ChannelEmail:
			channel = Email{Address: strings.TrimSpace(spec.Address)}
		case ChannelSMS:
			channel = SMS{PhoneNumber: strings.TrimSpace(spec.PhoneNumber)}
		default:
			return nil, apperr.New(apperr.KindValidation, opParseChannels, "unsupported_channel", nil)
		}
		if _, duplicate := seen[channel.Kind()]; duplicate {
			continue
		}
		seen[channel.Kind()] = struct{}{}
		channels = append(channels, channel)
	}
	return channels, nil
}

// WithoutAddressOverrides returns a copy of specs with the email address and phone number
// cleared, so email and SMS resolve from the recipient's profile.
func WithoutAddressOverrides(specs []ChannelSpec) []ChannelSpec {
	cleared := make([]ChannelSpec, 0, len(specs))
	for _, spec := range specs {
		spec.Address = ""
		spec.PhoneNumber = ""
		cleared = append(cleared, spec)
	}
	return cleared
}

// Specs converts channels back to their wire form.
func Specs(channels []Channel) []ChannelSpec {
	specs := make([]ChannelSpec, 0, len(channels))
	for _, channel := range channels {
		spec := ChannelSpec{Type: string(channel.Kind())}
		switch typed := channel.(type) {
		case Push:
			spec.Badge = typed.Badge
			spec.Sound = typed.Sound
		case Email:
			spec.Address = typed.Address
		case SMS:
			spec.PhoneNumber = typed.PhoneNumber
		}
		specs = append(specs, spec)
	}
	return specs
}

func channelNames(channels []Channel) []string {
	names := make([]string, 0, len(channels))
	for _, channel := range channels {
		names = append(names, string(channel.Kind()))
	}
	return names
}
