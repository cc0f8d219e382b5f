// internal/speech/transcriber.go
package speech

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/perception"
)

// DefaultMIMEType is assumed when the caller does not name the audio format.
const DefaultMIMEType = "audio/wav"

const transcribePrompt = `Transcribe the attached audio recording verbatim in English.
Add punctuation. Return only the transcript text, with no commentary and no formatting.
If the recording contains no speech, return an empty response.`

// Transcriber turns narration audio into text using a multimodal model.
type Transcriber struct {
	model  perception.Model
	logger *zap.Logger
}

// NewTranscriber creates a Transcriber. The model should return plain text.
func NewTranscriber(model perception.Model, logger *zap.Logger) *Transcriber {
	return &Transcriber{model: model, logger: logger.Named("speech")}
}

// Transcribe returns the transcript, or "" if the audio could not be transcribed.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) string {
	if len(audio) == 0 {
		return ""
	}
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	text, err := t.model.Generate(ctx, transcribePrompt, perception.Media{Data: audio, MIMEType: mimeType})
	if err != nil {
		t.logger.Error("Speech transcription error", zap.String("mime_type", mimeType), zap.Error(err))
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
