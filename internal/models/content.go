package models

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the content variant carried by a message.
type MessageKind string

const (
	KindText        MessageKind = "TEXT"
	KindMedia       MessageKind = "MEDIA"
	KindLocation    MessageKind = "LOCATION"
	KindContact     MessageKind = "CONTACT"
	KindInteractive MessageKind = "INTERACTIVE"
	KindReaction    MessageKind = "REACTION"
)

// Content is the closed sum of message body variants. Exactly one concrete
// type exists per MessageKind; the unexported method keeps the set closed so
// switches over variants stay exhaustive.
type Content interface {
	Kind() MessageKind
	content()
}

// TextContent is a plain or formatted text body.
type TextContent struct {
	Text   string `json:"text"`
	Format string `json:"format"` // PLAIN or MARKDOWN
}

// MediaContent references an image, audio, video or document either by URL or
// by an uploaded file reference.
type MediaContent struct {
	MediaType string `json:"mediaType"` // image, audio, video, document
	URL       string `json:"url,omitempty"`
	FileRef   string `json:"fileRef,omitempty"`
	Caption   string `json:"caption,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// LocationContent is a geographic point with optional labels.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactCard is one shared contact inside a ContactContent.
type ContactCard struct {
	DisplayName string   `json:"displayName"`
	Phones      []string `json:"phones"`
}

// ContactContent shares one or more contact cards.
type ContactContent struct {
	Contacts []ContactCard `json:"contacts"`
}

// InteractiveAction is one selectable option of an interactive message.
type InteractiveAction struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// InteractiveContent is a message with body text plus button or list actions.
type InteractiveContent struct {
	BodyText string              `json:"bodyText"`
	Buttons  []InteractiveAction `json:"buttons,omitempty"`
	ListRows []InteractiveAction `json:"listRows,omitempty"`
}

// ReactionContent attaches an emoji reaction to a previously sent message.
type ReactionContent struct {
	TargetMessageID string `json:"targetMessageId"`
	Emoji           string `json:"emoji"`
}

func (TextContent) Kind() MessageKind        { return KindText }
func (MediaContent) Kind() MessageKind       { return KindMedia }
func (LocationContent) Kind() MessageKind    { return KindLocation }
func (ContactContent) Kind() MessageKind     { return KindContact }
func (InteractiveContent) Kind() MessageKind { return KindInteractive }
func (ReactionContent) Kind() MessageKind    { return KindReaction }

func (TextContent) content()        {}
func (MediaContent) content()       {}
func (LocationContent) content()    {}
func (ContactContent) content()     {}
func (InteractiveContent) content() {}
func (ReactionContent) content()    {}

// MarshalContent encodes a content variant as its bare JSON object. The kind
// travels separately (message row column, event field), not inside the body.
func MarshalContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil content", ErrUnprocessable)
	}
	return json.Marshal(c)
}

// UnmarshalContent decodes the JSON body for the given kind into the matching
// variant. Unknown kinds and malformed bodies are unprocessable, not
// transient.
func UnmarshalContent(kind MessageKind, data []byte) (Content, error) {
	var (
		c   Content
		err error
	)
	switch kind {
	case KindText:
		var v TextContent
		err = json.Unmarshal(data, &v)
		c = v
	case KindMedia:
		var v MediaContent
		err = json.Unmarshal(data, &v)
		c = v
	case KindLocation:
		var v LocationContent
		err = json.Unmarshal(data, &v)
		c = v
	case KindContact:
		var v ContactContent
		err = json.Unmarshal(data, &v)
		c = v
	case KindInteractive:
		var v InteractiveContent
		err = json.Unmarshal(data, &v)
		c = v
	case KindReaction:
		var v ReactionContent
		err = json.Unmarshal(data, &v)
		c = v
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrUnprocessable, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s content: %v", ErrUnprocessable, kind, err)
	}
	return c, nil
}
