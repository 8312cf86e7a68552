package call

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/attenda-ai/attenda/pkg/provider/llm"
)

// Speaker labels which human produced an utterance in a conference.
type Speaker string

const (
	// SpeakerNone means no speaker label applies (solo calls).
	SpeakerNone Speaker = ""

	// SpeakerCaller is the original caller leg.
	SpeakerCaller Speaker = "caller"

	// SpeakerOwner is the business owner leg dialed in on transfer.
	SpeakerOwner Speaker = "owner"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool-call"
	RoleToolResult Role = "tool-result"
)

// Part is one element of a structured assistant message: either text or a
// tool invocation.
type Part struct {
	Text     string
	ToolCall *llm.ToolCall
}

// ToolResult pairs a tool-call id with its serialized result payload.
type ToolResult struct {
	CallID  string
	Payload string
}

// Message is one finalized entry in the conversation log. Messages are
// append-only; indices are dense and monotone.
type Message struct {
	Index   int
	Role    Role
	Content string
	Parts   []Part
	Results []ToolResult
	Speaker Speaker
}

// interruptedSuffix is appended to a partial assistant message that was cut
// off by a barge-in and was long enough to keep.
const interruptedSuffix = " [interrupted]"

// partialKeepThreshold is the minimum partial length, in codepoints, for an
// interrupted assistant message to be kept rather than dropped.
const partialKeepThreshold = 10

// Conversation is the append-only typed message log of one call. At most
// one partial assistant message is in progress at a time; it is promoted to
// a finalized Message on clean finish, or on interruption when long enough.
//
// In conference mode user text is prefixed with the speaker label so the
// language model can tell the participants apart, and raw diarization ids
// are bound lazily: the first distinct id seen becomes the caller, the
// second becomes the owner.
type Conversation struct {
	log        *slog.Logger
	conference bool

	mu            sync.Mutex
	messages      []Message
	partial       strings.Builder
	partialActive bool
	callerID      string
	callerBound   bool
	ownerID       string
	ownerBound    bool
}

// NewConversation creates an empty conversation. conference enables speaker
// prefixing and diarization binding.
func NewConversation(log *slog.Logger, conference bool) *Conversation {
	if log == nil {
		log = slog.Default()
	}
	return &Conversation{log: log, conference: conference}
}

// AppendUser appends a user message. rawSpeakerID is the diarization id from
// the STT provider, empty when diarization is off. In conference mode the
// text is prefixed with the resolved speaker label.
func (c *Conversation) AppendUser(text, rawSpeakerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	speaker := c.resolveSpeakerLocked(rawSpeakerID)
	content := text
	if c.conference {
		switch speaker {
		case SpeakerCaller:
			content = "[CALLER]: " + text
		case SpeakerOwner:
			content = "[OWNER]: " + text
		}
	}
	c.appendLocked(Message{Role: RoleUser, Content: content, Speaker: speaker})
}

// AppendUserAs appends a user message with an explicit speaker label,
// bypassing diarization binding. The conference coordinator uses it because
// the originating leg already identifies the speaker exactly.
func (c *Conversation) AppendUserAs(text string, speaker Speaker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	content := text
	if c.conference {
		switch speaker {
		case SpeakerCaller:
			content = "[CALLER]: " + text
		case SpeakerOwner:
			content = "[OWNER]: " + text
		}
	}
	c.appendLocked(Message{Role: RoleUser, Content: content, Speaker: speaker})
}

// Seed copies finalized messages from an earlier conversation, reindexing
// them. Used when a solo call is promoted into a conference and the shared
// log must carry the prior history.
func (c *Conversation) Seed(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.appendLocked(m)
	}
}

// StartAssistant resets the partial assistant buffer for a new generation.
func (c *Conversation) StartAssistant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.Reset()
	c.partialActive = true
}

// ExtendAssistant appends a text delta to the partial assistant buffer.
func (c *Conversation) ExtendAssistant(delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partialActive = true
	c.partial.WriteString(delta)
}

// FinishAssistant promotes a non-empty partial buffer to a finalized
// assistant message and clears it.
func (c *Conversation) FinishAssistant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.partial.String()
	c.partial.Reset()
	c.partialActive = false
	if text == "" {
		return
	}
	c.appendLocked(Message{Role: RoleAssistant, Content: text})
}

// FinishAssistantInterrupted finalizes the partial buffer after a barge-in.
// Buffers of at least 10 codepoints are kept with an " [interrupted]"
// suffix; shorter ones are dropped so trivial fragments never pollute the
// history.
func (c *Conversation) FinishAssistantInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.partial.String()
	c.partial.Reset()
	c.partialActive = false
	if utf8.RuneCountInString(text) < partialKeepThreshold {
		return
	}
	c.appendLocked(Message{Role: RoleAssistant, Content: text + interruptedSuffix})
}

// AddAssistantStructured appends an assistant message composed of parts,
// used when a generation round ends in tool calls.
func (c *Conversation) AddAssistantStructured(parts []Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var text strings.Builder
	for _, p := range parts {
		text.WriteString(p.Text)
	}
	c.appendLocked(Message{Role: RoleToolCall, Content: text.String(), Parts: parts})
}

// AddToolResults appends a tool-result message carrying the outcome of one
// or more tool invocations.
func (c *Conversation) AddToolResults(results []ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(Message{Role: RoleToolResult, Results: results})
}

// Len returns the number of finalized messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Messages returns a copy of the finalized message log.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// LastSpeaker returns the speaker label of the most recent user message, or
// [SpeakerNone] when there is none.
func (c *Conversation) LastSpeaker() Speaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleUser {
			return c.messages[i].Speaker
		}
	}
	return SpeakerNone
}

// Snapshot converts the finalized log into the wire message list handed to
// the language model.
func (c *Conversation) Snapshot() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]llm.Message, 0, len(c.messages)+1)
	for _, m := range c.messages {
		switch m.Role {
		case RoleUser:
			out = append(out, llm.Message{Role: "user", Content: m.Content})
		case RoleAssistant:
			out = append(out, llm.Message{Role: "assistant", Content: m.Content})
		case RoleToolCall:
			msg := llm.Message{Role: "assistant", Content: m.Content}
			for _, p := range m.Parts {
				if p.ToolCall != nil {
					msg.ToolCalls = append(msg.ToolCalls, *p.ToolCall)
				}
			}
			out = append(out, msg)
		case RoleToolResult:
			for _, r := range m.Results {
				out = append(out, llm.Message{
					Role:       "tool",
					Content:    r.Payload,
					ToolCallID: r.CallID,
				})
			}
		}
	}
	return out
}

// resolveSpeakerLocked maps a raw diarization id to a speaker label,
// binding unseen ids lazily. The first distinct id becomes the caller, the
// second the owner; further distinct ids are ignored with a log.
func (c *Conversation) resolveSpeakerLocked(rawID string) Speaker {
	if !c.conference || rawID == "" {
		return SpeakerNone
	}
	switch {
	case c.callerBound && c.callerID == rawID:
		return SpeakerCaller
	case c.ownerBound && c.ownerID == rawID:
		return SpeakerOwner
	case !c.callerBound:
		c.callerID = rawID
		c.callerBound = true
		return SpeakerCaller
	case !c.ownerBound:
		c.ownerID = rawID
		c.ownerBound = true
		return SpeakerOwner
	default:
		c.log.Warn("unbound diarization id ignored", "speaker_id", rawID)
		return SpeakerNone
	}
}

func (c *Conversation) appendLocked(m Message) {
	m.Index = len(c.messages)
	c.messages = append(c.messages, m)
}
