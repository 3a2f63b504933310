package chatstate

import (
	"fmt"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/faults"
)

// ContentType discriminates the message content variants.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentVoice    ContentType = "voice"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentFile     ContentType = "file"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
)

// Content is a tagged union over the message variants. Each variant carries
// only its own fields and is validated at construction, so a Content value
// obtained through a constructor is always well formed.
type Content struct {
	typ ContentType

	text string

	url          string
	thumbnailURL string
	caption      string
	duration     time.Duration
	fileName     string
	fileSize     int64
	mimeType     string
	width        int
	height       int

	latitude  float64
	longitude float64
	label     string

	contactName  string
	contactPhone string
}

// Type returns the variant discriminator.
func (c Content) Type() ContentType { return c.typ }

// Text returns the textual payload: the body for text messages, the caption
// for media.
func (c Content) Text() string {
	if c.typ == ContentText {
		return c.text
	}
	return c.caption
}

func (c Content) URL() string            { return c.url }
func (c Content) ThumbnailURL() string   { return c.thumbnailURL }
func (c Content) Duration() time.Duration { return c.duration }
func (c Content) FileName() string       { return c.fileName }
func (c Content) FileSize() int64        { return c.fileSize }
func (c Content) MimeType() string       { return c.mimeType }

// Coordinates returns the location payload.
func (c Content) Coordinates() (lat, lng float64, label string) {
	return c.latitude, c.longitude, c.label
}

// Contact returns the shared contact payload.
func (c Content) Contact() (name, phone string) {
	return c.contactName, c.contactPhone
}

// IsMedia reports whether the variant carries a binary payload counted in
// the chat's media tally.
func (c Content) IsMedia() bool {
	switch c.typ {
	case ContentVoice, ContentImage, ContentVideo:
		return true
	}
	return false
}

// Preview renders the denormalized one-line preview used by the chat list.
func (c Content) Preview() string {
	switch c.typ {
	case ContentText:
		return c.text
	case ContentVoice:
		return fmt.Sprintf("Voice message (%s)", c.duration.Round(time.Second))
	case ContentImage:
		if c.caption != "" {
			return "Photo: " + c.caption
		}
		return "Photo"
	case ContentVideo:
		if c.caption != "" {
			return "Video: " + c.caption
		}
		return "Video"
	case ContentFile:
		return "File: " + c.fileName
	case ContentLocation:
		if c.label != "" {
			return "Location: " + c.label
		}
		return "Location"
	case ContentContact:
		return "Contact: " + c.contactName
	}
	return ""
}

// withURL swaps the payload URL, used when a committed upload replaces a
// local resource reference.
func (c Content) withURL(url string) Content {
	c.url = url
	return c
}

// NewText builds a text message body.
func NewText(text string) (Content, error) {
	if text == "" {
		return Content{}, faults.New(faults.Validation, "content.text",
			fmt.Errorf("empty body"))
	}
	return Content{typ: ContentText, text: text}, nil
}

// NewVoice builds a voice note reference.
func NewVoice(url string, duration time.Duration) (Content, error) {
	if url == "" {
		return Content{}, faults.New(faults.Validation, "content.voice",
			fmt.Errorf("missing url"))
	}
	if duration <= 0 {
		return Content{}, faults.New(faults.Validation, "content.voice",
			fmt.Errorf("non-positive duration"))
	}
	return Content{typ: ContentVoice, url: url, duration: duration, mimeType: "audio/ogg"}, nil
}

// NewImage builds an image reference with optional caption and dimensions.
func NewImage(url, thumbnailURL, caption string, width, height int) (Content, error) {
	if url == "" {
		return Content{}, faults.New(faults.Validation, "content.image",
			fmt.Errorf("missing url"))
	}
	if width < 0 || height < 0 {
		return Content{}, faults.New(faults.Validation, "content.image",
			fmt.Errorf("negative dimensions"))
	}
	return Content{
		typ: ContentImage, url: url, thumbnailURL: thumbnailURL,
		caption: caption, width: width, height: height,
	}, nil
}

// NewVideo builds a video reference.
func NewVideo(url, thumbnailURL, caption string, duration time.Duration) (Content, error) {
	if url == "" {
		return Content{}, faults.New(faults.Validation, "content.video",
			fmt.Errorf("missing url"))
	}
	if duration < 0 {
		return Content{}, faults.New(faults.Validation, "content.video",
			fmt.Errorf("negative duration"))
	}
	return Content{typ: ContentVideo, url: url, thumbnailURL: thumbnailURL,
		caption: caption, duration: duration}, nil
}

// NewFile builds a document attachment reference.
func NewFile(fileName string, size int64, url string) (Content, error) {
	if fileName == "" {
		return Content{}, faults.New(faults.Validation, "content.file",
			fmt.Errorf("missing file name"))
	}
	if size < 0 {
		return Content{}, faults.New(faults.Validation, "content.file",
			fmt.Errorf("negative size"))
	}
	return Content{typ: ContentFile, fileName: fileName, fileSize: size, url: url}, nil
}

// NewLocation builds a shared map point.
func NewLocation(lat, lng float64, label string) (Content, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Content{}, faults.New(faults.Validation, "content.location",
			fmt.Errorf("coordinates out of range: %f,%f", lat, lng))
	}
	return Content{typ: ContentLocation, latitude: lat, longitude: lng, label: label}, nil
}

// NewContact builds a shared contact card.
func NewContact(name, phone string) (Content, error) {
	if name == "" || phone == "" {
		return Content{}, faults.New(faults.Validation, "content.contact",
			fmt.Errorf("name and phone are required"))
	}
	return Content{typ: ContentContact, contactName: name, contactPhone: phone}, nil
}
