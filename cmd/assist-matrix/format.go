// ABOUTME: Text helpers for the Matrix bridge: mention stripping, prompt composition,
// ABOUTME: reply fallback removal, chunking and markdown rendering via goldmark

package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/id"
)

// composePrompt builds the text sent to the assistant. parentAuthor and
// parentBody describe the message being replied to, if any.
func composePrompt(author, question, parentAuthor, parentBody string) string {
	prompt := fmt.Sprintf("%s asks \n%s", author, question)
	if parentBody == "" {
		return prompt
	}
	return fmt.Sprintf("Previous message:\n%s said:\n%s\n\n%s", parentAuthor, parentBody, prompt)
}

// localpart returns the user part of a Matrix id, or the whole id if it does not parse.
func localpart(u id.UserID) string {
	lp, _, err := u.Parse()
	if err != nil || lp == "" {
		return u.String()
	}
	return lp
}

// stripMention removes references to self from body: the full user id
// anywhere, and a leading "name:" style mention as inserted by clients.
func stripMention(body string, self id.UserID) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, self.String(), ""))
	local := localpart(self)
	for _, p := range []string{"@" + local, local} {
		if len(body) < len(p) || !strings.EqualFold(body[:len(p)], p) {
			continue
		}
		rest := body[len(p):]
		if rest == "" || strings.ContainsAny(rest[:1], ":, \n") {
			body = strings.TrimLeft(rest, ":, \n")
			break
		}
	}
	return strings.TrimSpace(body)
}

// mentions reports whether the message addresses self, either through
// m.mentions or by naming the user id in the body.
func mentions(userIDs []id.UserID, body string, self id.UserID) bool {
	for _, u := range userIDs {
		if u == self {
			return true
		}
	}
	return strings.Contains(body, self.String())
}

// trimReplyFallback drops the "> quoted" block clients prepend to replies.
func trimReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// chunk splits s into pieces of at most limit runes. Splits prefer the last
// newline inside the window so paragraphs stay whole when possible.
func chunk(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// renderHTML converts markdown to HTML for the formatted_body field.
// An empty string means the plain body should be sent alone.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
