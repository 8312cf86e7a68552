// Package conference bridges two human call legs and one shared voice agent
// into a 3-way conversation. The coordinator routes raw audio peer to peer,
// owns the shared TTS fan-out, and consults the gatekeeper before letting
// the agent speak.
package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/attenda-ai/attenda/internal/call"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
)

// advisorTimeout bounds the gatekeeper's language-model round trip. On
// expiry the agent stays silent.
const advisorTimeout = 2 * time.Second

// advisorWindow is how many recent messages the advisor sees.
const advisorWindow = 12

// nameMatchScore is the Jaro-Winkler similarity above which a spoken token
// counts as the agent's name even when the phonetic codes differ.
const nameMatchScore = 0.88

// Decision is the gatekeeper's advice on whether the agent should speak.
type Decision struct {
	Respond    bool    `json:"respond"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

const advisorPrompt = `You observe a three-way phone call between two people and a voice assistant named %s.
Transcript lines are tagged [CALLER] and [OWNER] for the humans; untagged assistant lines are the voice assistant.
Decide whether the assistant should speak next.
The assistant should respond when it is addressed by name, asked a direct question, or asked to do something it owns, such as a calendar lookup.
It should stay silent when the humans talk to each other or exchange acknowledgments.
Answer ONLY with a JSON object: {"respond": boolean, "reason": string, "confidence": number between 0 and 1}.`

// Gatekeeper advises whether the agent should respond to a conference
// utterance. With no advisor configured a phonetic name-match heuristic
// decides alone; once an advisor is in play, any failure of it defaults
// to silence with zero confidence.
type Gatekeeper struct {
	provider  llm.Provider
	agentName string
	timeout   time.Duration
	log       *slog.Logger
}

// NewGatekeeper creates a Gatekeeper. provider may be nil; the heuristic
// then decides alone.
func NewGatekeeper(provider llm.Provider, agentName string, log *slog.Logger) *Gatekeeper {
	if log == nil {
		log = slog.Default()
	}
	return &Gatekeeper{
		provider:  provider,
		agentName: agentName,
		timeout:   advisorTimeout,
		log:       log,
	}
}

// Advise returns the gatekeeper's decision for the current conversation
// state. It never returns an error: advisor failures keep the agent
// silent, and the heuristic covers only the advisor-less configuration.
func (g *Gatekeeper) Advise(ctx context.Context, snapshot []llm.Message, lastSpeaker call.Speaker) Decision {
	utterance := lastUserContent(snapshot)
	if g.provider == nil {
		return g.heuristic(utterance)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := renderTranscript(snapshot, advisorWindow) +
		"\n\nLast speaker: " + speakerLabel(lastSpeaker) +
		"\nShould the assistant speak next?"
	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(advisorPrompt, g.agentName),
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:    200,
	})
	if err != nil || resp == nil {
		g.log.Warn("gatekeeper advisor unavailable", "error", err)
		return Decision{Reason: "advisor failed"}
	}

	d, err := parseDecision(resp.Content)
	if err != nil {
		g.log.Warn("gatekeeper advice malformed", "error", err, "content", resp.Content)
		return Decision{Reason: "advisor reply malformed"}
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d
}

// heuristic decides when no advisor is configured: respond only when the
// agent is addressed by name.
func (g *Gatekeeper) heuristic(utterance string) Decision {
	if g.agentName != "" && NameAddressed(utterance, g.agentName) {
		return Decision{Respond: true, Reason: "assistant addressed by name", Confidence: 0.3}
	}
	return Decision{Reason: "no advisor configured", Confidence: 0}
}

// NameAddressed reports whether the utterance contains a word that sounds
// like name. Tokens are compared by Double Metaphone code, with a
// Jaro-Winkler check catching near-spellings the codes miss.
func NameAddressed(utterance, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	namePrimary, nameSecondary := matchr.DoubleMetaphone(name)
	for _, token := range tokenize(utterance) {
		p, s := matchr.DoubleMetaphone(token)
		if p != "" && (p == namePrimary || p == nameSecondary) {
			return true
		}
		if s != "" && (s == namePrimary || s == nameSecondary) {
			return true
		}
		if matchr.JaroWinkler(token, name, false) >= nameMatchScore {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// parseDecision extracts the JSON object from the advisor's reply, which
// some models wrap in prose or code fences.
func parseDecision(content string) (Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("conference: no JSON object in advice")
	}
	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("conference: decode advice: %w", err)
	}
	return d, nil
}

func renderTranscript(snapshot []llm.Message, window int) string {
	if len(snapshot) > window {
		snapshot = snapshot[len(snapshot)-window:]
	}
	var b strings.Builder
	for _, m := range snapshot {
		switch m.Role {
		case "user":
			b.WriteString(m.Content)
		case "assistant":
			if m.Content == "" {
				continue
			}
			b.WriteString("ASSISTANT: ")
			b.WriteString(m.Content)
		default:
			continue
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func speakerLabel(s call.Speaker) string {
	switch s {
	case call.SpeakerCaller:
		return "CALLER"
	case call.SpeakerOwner:
		return "OWNER"
	default:
		return "unknown"
	}
}

func lastUserContent(snapshot []llm.Message) string {
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Role == "user" {
			return snapshot[i].Content
		}
	}
	return ""
}
