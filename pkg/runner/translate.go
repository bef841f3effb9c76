package runner

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/conductor/pkg/session"
	"github.com/tidwall/gjson"
)

const (
	FormatClaude    = "claude"
	FormatCanonical = "canonical"

	maxToolResultLen = 4096
)

// Outcome is the final result an agent reports on its own stream.
type Outcome struct {
	IsError bool
	Message string
}

// Translator turns raw output lines of one session into canonical events.
// Implementations keep per-session state and are not shared.
type Translator interface {
	// Translate returns the events for one output line. Lines that are not
	// part of the protocol yield nothing.
	Translate(line []byte) []session.Event
	// Outcome returns the agent's final result, nil when none was reported.
	Outcome() *Outcome
}

// NewTranslatorFunc returns a constructor for the named output format.
func NewTranslatorFunc(format string) (func() Translator, error) {
	switch format {
	case "", FormatClaude:
		return func() Translator { return newClaudeTranslator() }, nil
	case FormatCanonical:
		return func() Translator { return &canonicalTranslator{} }, nil
	default:
		return nil, fmt.Errorf("unknown agent format %q", format)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}

// canonicalTranslator reads agents that already speak the canonical event
// set, one JSON object per line. Terminal lines become the outcome; the
// runner emits the terminal event itself once the process has exited.
type canonicalTranslator struct {
	outcome *Outcome
}

func (t *canonicalTranslator) Translate(line []byte) []session.Event {
	if !gjson.ValidBytes(line) {
		return nil
	}
	doc := gjson.ParseBytes(line)
	typ := session.EventType(doc.Get("type").String())
	if !typ.Valid() {
		return nil
	}

	switch typ {
	case session.EventCompleted:
		t.outcome = &Outcome{Message: doc.Get("content").String()}
		return nil
	case session.EventFailed, session.EventCancelled:
		msg := doc.Get("error").String()
		if msg == "" {
			msg = fmt.Sprintf("agent reported %s", typ)
		}
		t.outcome = &Outcome{IsError: true, Message: msg}
		return nil
	}

	evt := session.Event{
		Type:           typ,
		ConversationID: doc.Get("conversationId").String(),
		Content:        doc.Get("content").String(),
		Tool:           doc.Get("tool").String(),
		IsError:        doc.Get("isError").Bool(),
	}
	if input := doc.Get("toolInput"); input.Exists() {
		evt.ToolInput = []byte(input.Raw)
	}
	if typ == session.EventToolResult {
		evt.Content = truncate(evt.Content, maxToolResultLen)
	}
	return []session.Event{evt}
}

func (t *canonicalTranslator) Outcome() *Outcome { return t.outcome }

// claudeTranslator reads the stream-json output of the claude CLI.
type claudeTranslator struct {
	toolNames map[string]string
	outcome   *Outcome
}

func newClaudeTranslator() *claudeTranslator {
	return &claudeTranslator{toolNames: make(map[string]string)}
}

func (t *claudeTranslator) Translate(line []byte) []session.Event {
	if !gjson.ValidBytes(line) {
		return nil
	}
	doc := gjson.ParseBytes(line)

	switch doc.Get("type").String() {
	case "system":
		if doc.Get("subtype").String() != "init" {
			return nil
		}
		return []session.Event{{
			Type:           session.EventSessionStarted,
			ConversationID: doc.Get("session_id").String(),
		}}

	case "assistant":
		var events []session.Event
		doc.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); strings.TrimSpace(text) != "" {
					events = append(events, session.Event{Type: session.EventMessage, Content: text})
				}
			case "thinking":
				events = append(events, session.Event{Type: session.EventThinking, Content: block.Get("thinking").String()})
			case "tool_use":
				name := block.Get("name").String()
				t.toolNames[block.Get("id").String()] = name
				events = append(events, session.Event{
					Type:      session.EventToolUse,
					Tool:      name,
					ToolInput: []byte(block.Get("input").Raw),
				})
			}
			return true
		})
		return events

	case "user":
		var events []session.Event
		doc.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_result" {
				return true
			}
			events = append(events, session.Event{
				Type:    session.EventToolResult,
				Tool:    t.toolNames[block.Get("tool_use_id").String()],
				Content: truncate(toolResultText(block.Get("content")), maxToolResultLen),
				IsError: block.Get("is_error").Bool(),
			})
			return true
		})
		return events

	case "result":
		isError := doc.Get("is_error").Bool() || (doc.Get("subtype").Exists() && doc.Get("subtype").String() != "success")
		msg := doc.Get("result").String()
		if isError && msg == "" {
			msg = "agent reported " + doc.Get("subtype").String()
		}
		t.outcome = &Outcome{IsError: isError, Message: msg}
	}
	return nil
}

func (t *claudeTranslator) Outcome() *Outcome { return t.outcome }

// toolResultText flattens a tool_result content value, which is either a
// string or a list of text blocks.
func toolResultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}
