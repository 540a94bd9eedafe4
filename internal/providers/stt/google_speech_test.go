package stt

import (
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
)

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, encodingFor("wav"))
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, encodingFor(".WAV"))
	assert.Equal(t, speechpb.RecognitionConfig_WEBM_OPUS, encodingFor("webm"))
	assert.Equal(t, speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, encodingFor("m4a"))
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "en-US", normalizeLanguage(""))
	assert.Equal(t, "id-ID", normalizeLanguage("id"))
	assert.Equal(t, "fr-FR", normalizeLanguage(" fr-FR "))
}
