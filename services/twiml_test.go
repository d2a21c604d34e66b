package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVoiceResponse_Verbs(t *testing.T) {
	out := NewVoiceResponse().
		Say("Hello").
		Play("https://example.com/intro.mp3").
		Dial("+14155551234", "https://example.com/status", 25).
		String()

	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, "<Response>")
	assert.Contains(t, out, "<Say>Hello</Say>")
	assert.Contains(t, out, "<Play>https://example.com/intro.mp3</Play>")
	assert.Contains(t, out, `<Dial action="https://example.com/status" timeout="25">+14155551234</Dial>`)
	assert.True(t, strings.HasSuffix(out, "</Response>"))
}

func TestVoiceResponse_DialWithoutAction(t *testing.T) {
	out := NewVoiceResponse().Dial("+14155551234", "", 25).String()
	assert.Contains(t, out, `<Dial timeout="25">+14155551234</Dial>`)
	assert.NotContains(t, out, "action=")
}

func TestVoiceResponse_Reject(t *testing.T) {
	out := NewVoiceResponse().Reject().String()
	assert.Contains(t, out, `<Reject reason="rejected"></Reject>`)
}

func TestVoiceResponse_Empty(t *testing.T) {
	out := NewVoiceResponse().String()
	assert.Contains(t, out, "<Response></Response>")
}

func TestVoiceResponse_EscapesText(t *testing.T) {
	out := NewVoiceResponse().Say("a < b & c").String()
	assert.Contains(t, out, "<Say>a &lt; b &amp; c</Say>")
}

func TestAlertCallTwiML(t *testing.T) {
	out := AlertCallTwiML("checkout", 7)

	assert.Contains(t, out, "Incident number 7")
	assert.Contains(t, out, "checkout is down")
	assert.Contains(t, out, `<Pause length="1"></Pause>`)
	// The message is spoken twice so a slow pickup still hears it.
	assert.Equal(t, 2, strings.Count(out, "<Say>"))
}
