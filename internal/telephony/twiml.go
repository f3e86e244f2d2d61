package telephony

import (
	"encoding/xml"
	"strconv"
)

// DefaultVoice is the provider voice used when no synthesized audio exists.
const DefaultVoice = "Polly.Joanna"

// Response is a TwiML document. Verbs are rendered in insertion order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Gather collects candidate speech and posts it to Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       string   `xml:"timeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Verbs         []any
}

// SpeechGather waits up to 30s for speech and stops after 10s of silence.
func SpeechGather(action string) *Gather {
	return &Gather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: strconv.Itoa(10),
		Timeout:       strconv.Itoa(30),
		Language:      "en-US",
	}
}

func NewResponse() *Response { return &Response{} }

// Speak plays audioURL when set and otherwise reads text with voice.
func (r *Response) Speak(audioURL, text, voice string) *Response {
	r.Verbs = append(r.Verbs, speak(audioURL, text, voice))
	return r
}

func (r *Response) Say(text, voice string) *Response {
	r.Verbs = append(r.Verbs, Say{Voice: voice, Text: text})
	return r
}

func (r *Response) Gather(g *Gather) *Response {
	r.Verbs = append(r.Verbs, g)
	return r
}

func (r *Response) Redirect(url string) *Response {
	r.Verbs = append(r.Verbs, Redirect{Method: "POST", URL: url})
	return r
}

func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Bytes renders the document with an XML declaration.
func (r *Response) Bytes() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func (g *Gather) Speak(audioURL, text, voice string) *Gather {
	g.Verbs = append(g.Verbs, speak(audioURL, text, voice))
	return g
}

func speak(audioURL, text, voice string) any {
	if audioURL != "" {
		return Play{URL: audioURL}
	}
	if voice == "" {
		voice = DefaultVoice
	}
	return Say{Voice: voice, Text: text}
}
