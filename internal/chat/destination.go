package chat

import "fmt"

// Destination is where an inbound event came from and where a reply would
// go. The set of implementations is closed.
type Destination interface {
	destination()
}

// TextDestination is a channel that accepts text replies.
type TextDestination struct {
	ChannelID string
}

// VoiceDestination is a voice channel. Its messages are stored but never
// answered.
type VoiceDestination struct {
	ChannelID string
}

// UnsupportedDestination is any other channel kind the gateway reported.
type UnsupportedDestination struct {
	Kind string
}

func (TextDestination) destination()        {}
func (VoiceDestination) destination()       {}
func (UnsupportedDestination) destination() {}

// ReplyChannel returns the channel a reply should be posted to and whether
// the destination accepts replies at all.
func ReplyChannel(d Destination) (string, bool, error) {
	switch d := d.(type) {
	case TextDestination:
		return d.ChannelID, true, nil
	case VoiceDestination:
		return d.ChannelID, false, nil
	case UnsupportedDestination:
		return "", false, nil
	case nil:
		return "", false, fmt.Errorf("event has no destination")
	default:
		return "", false, fmt.Errorf("unknown destination %T", d)
	}
}
