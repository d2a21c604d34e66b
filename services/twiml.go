package services

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// VoiceResponse builds a TwiML document for voice webhooks and
// outbound alert calls.
type VoiceResponse struct {
	verbs []interface{}
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Action  string   `xml:"action,attr,omitempty"`
	Timeout int      `xml:"timeout,attr,omitempty"`
	Number  string   `xml:",chardata"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

func NewVoiceResponse() *VoiceResponse {
	return &VoiceResponse{}
}

func (r *VoiceResponse) Say(text string) *VoiceResponse {
	r.verbs = append(r.verbs, twimlSay{Text: text})
	return r
}

func (r *VoiceResponse) Play(url string) *VoiceResponse {
	r.verbs = append(r.verbs, twimlPlay{URL: url})
	return r
}

// Dial forwards the call to a number. A non-empty action URL receives
// the dial outcome so a backup target can pick up unanswered calls.
func (r *VoiceResponse) Dial(number, action string, timeout int) *VoiceResponse {
	r.verbs = append(r.verbs, twimlDial{Number: number, Action: action, Timeout: timeout})
	return r
}

func (r *VoiceResponse) Reject() *VoiceResponse {
	r.verbs = append(r.verbs, twimlReject{Reason: "rejected"})
	return r
}

func (r *VoiceResponse) Pause(seconds int) *VoiceResponse {
	r.verbs = append(r.verbs, twimlPause{Length: seconds})
	return r
}

// String renders the document.
func (r *VoiceResponse) String() string {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<Response>")
	for _, verb := range r.verbs {
		encoded, err := xml.Marshal(verb)
		if err != nil {
			// Marshalling fixed verb structs cannot fail at runtime;
			// keep the document well formed regardless.
			continue
		}
		buf.Write(encoded)
	}
	buf.WriteString("</Response>")
	return buf.String()
}

// AlertCallTwiML is the spoken message for an outbound on-call alert
// call.
func AlertCallTwiML(monitorName string, idNumber int) string {
	message := fmt.Sprintf("This is an on call alert. Incident number %d. %s is down. Please check your dashboard.", idNumber, monitorName)
	return NewVoiceResponse().Say(message).Pause(1).Say(message).String()
}
