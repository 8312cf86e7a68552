package stt

import "strings"

// Aggregator joins final transcript fragments into complete utterances.
//
// Providers emit a sequence of final fragments followed by a speech-final
// signal once their endpointing detects the configured silence gap. The
// aggregator buffers the fragments and releases a single joined [Utterance]
// on the speech-final fragment, tagged with the speaker id of the leading
// fragment. Fragments that are not final are ignored.
//
// Aggregator is not safe for concurrent use; each session owns one and
// feeds it from its read loop.
type Aggregator struct {
	parts   []string
	speaker string
}

// Add consumes one transcript fragment. It returns a complete utterance and
// true when the fragment is speech-final and the buffered text is non-empty;
// otherwise it returns the zero Utterance and false.
func (a *Aggregator) Add(t Transcript) (Utterance, bool) {
	if !t.IsFinal {
		return Utterance{}, false
	}
	if text := strings.TrimSpace(t.Text); text != "" {
		if len(a.parts) == 0 {
			a.speaker = t.SpeakerID
		}
		a.parts = append(a.parts, text)
	}
	if !t.SpeechFinal {
		return Utterance{}, false
	}
	if len(a.parts) == 0 {
		return Utterance{}, false
	}
	u := Utterance{
		Text:      strings.Join(a.parts, " "),
		SpeakerID: a.speaker,
	}
	a.parts = a.parts[:0]
	a.speaker = ""
	return u, true
}
