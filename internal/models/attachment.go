package models

// AttachmentKind discriminates the attachment payload variants.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentLocation AttachmentKind = "location"
)

// Attachment is the single optional payload a message may carry.
// Image and audio attachments hold a fetchable URL; location
// attachments hold coordinates and no URL.
type Attachment struct {
	Kind      AttachmentKind `json:"kind"`
	URL       string         `json:"url,omitempty"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
}

// Resolved reports whether the attachment is ready to be sent: binary
// kinds need a fetchable URL, locations are always resolved.
func (a *Attachment) Resolved() bool {
	switch a.Kind {
	case AttachmentImage, AttachmentAudio:
		return a.URL != ""
	case AttachmentLocation:
		return true
	}
	return false
}
