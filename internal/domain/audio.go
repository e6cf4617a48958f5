package domain

import "time"

// ContentTypeMPEG is the MIME type produced by the synthesis provider.
const ContentTypeMPEG = "audio/mpeg"

// Audio is a synthesized utterance as returned by a speech provider.
type Audio struct {
	Payload     []byte
	ContentType string
}

// AudioArtifact is one stored piece of synthesized audio.
type AudioArtifact struct {
	ID          string
	Payload     []byte
	ContentType string
	CreatedAt   time.Time
}
