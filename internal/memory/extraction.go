package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

const defaultExtractWindow = 20

const extractionSystemPrompt = `You are a memory extraction engine for a personal coding assistant.
Read the conversation and extract durable facts worth remembering across sessions.

Rules:
1. Extract only explicit facts stated or confirmed by the user, no speculation
2. Keep each fact short, self-contained and independent of the conversation
3. category must be one of: preference/project/workflow/tool/convention/general
4. confidence must be in [0.0, 1.0]; use >= 0.7 only for facts you are sure about
5. Return [] when nothing is worth remembering

Return ONLY a JSON array:
[{"content":"...","category":"tool","confidence":0.9}]`

var fencedBlockRegex = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

// Extractor turns a window of conversation into confidence-filtered facts.
type Extractor struct {
	oracle *Oracle
	window int
	log    *log.Logger
}

func NewExtractor(oracle *Oracle, window int, l *log.Logger) *Extractor {
	if window <= 0 {
		window = defaultExtractWindow
	}
	return &Extractor{oracle: oracle, window: window, log: logger.Component(l, "extractor")}
}

// Extract returns the facts found in the most recent messages. ok is false when
// the oracle is unavailable or its reply is not a fact array; an empty slice
// with ok=true means nothing was worth remembering.
func (x *Extractor) Extract(ctx context.Context, messages []Message) ([]Fact, bool) {
	if len(messages) > x.window {
		messages = messages[len(messages)-x.window:]
	}
	conversation := formatConversation(messages)
	if conversation == "" {
		return []Fact{}, true
	}

	reply, ok := x.oracle.Call(ctx, extractionSystemPrompt, "Conversation:\n"+conversation)
	if !ok {
		return nil, false
	}

	raw, ok := parseFactArray(reply)
	if !ok {
		x.log.Debug("unparseable extraction reply", "reply", truncate(reply, 200))
		return nil, false
	}

	facts := make([]Fact, 0, len(raw))
	for _, f := range raw {
		content := strings.TrimSpace(f.Content)
		if content == "" || f.Confidence < MinConfidence || f.Confidence > 1 {
			continue
		}
		facts = append(facts, Fact{
			Content:    content,
			Category:   NormalizeCategory(f.Category),
			Confidence: f.Confidence,
		})
	}
	return facts, true
}

// factParsers are tried in order; the first that yields an array wins.
var factParsers = []func(string) ([]Fact, bool){
	parseDirect,
	parseFenced,
}

func parseFactArray(reply string) ([]Fact, bool) {
	for _, parse := range factParsers {
		if facts, ok := parse(reply); ok {
			return facts, true
		}
	}
	return nil, false
}

func parseDirect(reply string) ([]Fact, bool) {
	var facts []Fact
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	if err := json.Unmarshal([]byte(trimmed), &facts); err != nil {
		return nil, false
	}
	return facts, true
}

func parseFenced(reply string) ([]Fact, bool) {
	for _, m := range fencedBlockRegex.FindAllStringSubmatch(reply, -1) {
		if facts, ok := parseDirect(m[1]); ok {
			return facts, true
		}
	}
	return nil, false
}

func formatConversation(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", role, content))
	}
	return strings.TrimSpace(sb.String())
}

// TurnsToMessages drops buffer bookkeeping from turns.
func TurnsToMessages(turns []Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
