package session

// Transcript is the ordered, append-only list of turns of an interview.
type Transcript []Turn

// Append adds a turn to the end of the transcript.
func (t *Transcript) Append(role Role, content string) {
	*t = append(*t, Turn{Role: role, Content: content})
}

func (t Transcript) Len() int { return len(t) }

// ExchangeCount is the number of full interviewer/candidate pairs.
func (t Transcript) ExchangeCount() int { return len(t) / 2 }

// QuestionNumber is the number of the question the interviewer is about to ask.
func (t Transcript) QuestionNumber() int { return len(t)/2 + 1 }

// HasExchange reports whether at least one full exchange took place.
func (t Transcript) HasExchange() bool { return len(t) >= 2 }

// Last returns the most recent turn.
func (t Transcript) Last() (Turn, bool) {
	if len(t) == 0 {
		return Turn{}, false
	}
	return t[len(t)-1], true
}

func (t Transcript) Clone() Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}
