package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"creator-agent/internal/domain"
)

func TestDetectFanMediaRequest_GenericSubject(t *testing.T) {
	directive := DetectFanMediaRequest("can you send me a photo of the meal you cooked?")
	require.NotNil(t, directive)
	require.Equal(t, domain.MediaGeneric, directive.Classification)
	require.Equal(t, "meal", directive.Scenario)
}

func TestDetectFanMediaRequest_French(t *testing.T) {
	directive := DetectFanMediaRequest("envoie-moi une photo du plat stp")
	require.NotNil(t, directive)
	require.Equal(t, domain.MediaGeneric, directive.Classification)
	require.Equal(t, "plat", directive.Scenario)
}

func TestDetectFanMediaRequest_Personal(t *testing.T) {
	directive := DetectFanMediaRequest("send me a selfie!!")
	require.NotNil(t, directive)
	require.Equal(t, domain.MediaPersonal, directive.Classification)
}

func TestDetectFanMediaRequest_BarePhotoRequestIsPersonal(t *testing.T) {
	directive := DetectFanMediaRequest("send me a photo")
	require.NotNil(t, directive)
	require.Equal(t, domain.MediaPersonal, directive.Classification)
	require.Equal(t, "a casual photo of yourself", directive.Scenario)
}

func TestDetectFanMediaRequest_GenericWinsOverPersonal(t *testing.T) {
	directive := DetectFanMediaRequest("send me a pic of you at the beach")
	require.NotNil(t, directive)
	require.Equal(t, domain.MediaGeneric, directive.Classification)
	require.Equal(t, "beach", directive.Scenario)
}

func TestDetectFanMediaRequest_NoIntent(t *testing.T) {
	require.Nil(t, DetectFanMediaRequest("how was your day?"))
	require.Nil(t, DetectFanMediaRequest("the beach was so nice today"))
	require.Nil(t, DetectFanMediaRequest(""))
}

func TestDetectImpliedMedia_FullSignal(t *testing.T) {
	directive, confidence := DetectImpliedMedia(
		"Just took a photo of the sunset for you!",
		[]string{"wow, a pic of that view would be incredible"},
	)
	require.NotNil(t, directive)
	require.InDelta(t, 1.0, confidence, 0.001)
	require.Equal(t, domain.MediaGeneric, directive.Classification)
	require.Equal(t, "sunset", directive.Scenario)
}

func TestDetectImpliedMedia_PersonalAtThreshold(t *testing.T) {
	directive, confidence := DetectImpliedMedia(
		"Let me send you one real quick 😏",
		[]string{"I keep wondering what your face looks like"},
	)
	require.NotNil(t, directive)
	require.InDelta(t, 0.7, confidence, 0.001)
	require.Equal(t, domain.MediaPersonal, directive.Classification)
}

func TestDetectImpliedMedia_WeakSignalBelowThreshold(t *testing.T) {
	directive, confidence := DetectImpliedMedia(
		"The beach here is gorgeous today",
		nil,
	)
	require.NotNil(t, directive)
	require.Less(t, confidence, impliedMediaThreshold)
}

func TestDetectImpliedMedia_NoSignal(t *testing.T) {
	directive, confidence := DetectImpliedMedia("Aww, thank you!", []string{"you're the sweetest"})
	require.Nil(t, directive)
	require.Zero(t, confidence)
}
