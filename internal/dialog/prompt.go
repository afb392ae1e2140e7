package dialog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type PromptKind string

const (
	PromptText   PromptKind = "text"
	PromptNumber PromptKind = "number"
	PromptChoice PromptKind = "choice"
)

// Prompt asks the user for one typed answer. It is persisted in the waiting
// frame so validation can happen on the next turn.
type Prompt struct {
	Kind    PromptKind `json:"kind"`
	Text    string     `json:"text"`
	Retry   string     `json:"retry,omitempty"`
	Choices []string   `json:"choices,omitempty"`
}

// Choice is a recognized answer to a choice prompt.
type Choice struct {
	Index  int    `json:"index"`
	Entity string `json:"entity"`
}

func TextPrompt(text string) Prompt {
	return Prompt{Kind: PromptText, Text: text}
}

func NumberPrompt(text string) Prompt {
	return Prompt{Kind: PromptNumber, Text: text}
}

func ChoicePrompt(text string, choices ...string) Prompt {
	return Prompt{Kind: PromptChoice, Text: text, Choices: choices}
}

// WithRetry overrides the message sent when an answer does not validate.
func (p Prompt) WithRetry(text string) Prompt {
	p.Retry = text
	return p
}

func (p Prompt) render() string {
	if p.Kind != PromptChoice || len(p.Choices) == 0 {
		return p.Text
	}
	var b strings.Builder
	b.WriteString(p.Text)
	for i, c := range p.Choices {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c)
	}
	return b.String()
}

func (p Prompt) retryText() string {
	if strings.TrimSpace(p.Retry) != "" {
		return p.Retry
	}
	switch p.Kind {
	case PromptNumber:
		return "I didn't recognize that as a number. " + p.render()
	case PromptChoice:
		return "I didn't understand. Please choose an option from the list. " + p.render()
	default:
		return "I didn't understand. " + p.render()
	}
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// recognize validates an answer against the prompt.
func (p Prompt) recognize(answer string) (Result, bool) {
	answer = strings.TrimSpace(answer)
	res := Result{Text: answer}
	if answer == "" {
		return res, false
	}
	switch p.Kind {
	case PromptNumber:
		match := numberPattern.FindString(answer)
		if match == "" {
			return res, false
		}
		n, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return res, false
		}
		res.Number = n
		return res, true
	case PromptChoice:
		choice, ok := matchChoice(p.Choices, answer)
		if !ok {
			return res, false
		}
		res.Choice = &choice
		return res, true
	default:
		return res, true
	}
}

// matchChoice accepts an exact option (case-insensitive), a 1-based index or
// an unambiguous prefix.
func matchChoice(choices []string, answer string) (Choice, bool) {
	for i, c := range choices {
		if strings.EqualFold(c, answer) {
			return Choice{Index: i, Entity: c}, true
		}
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(choices) {
		return Choice{Index: n - 1, Entity: choices[n-1]}, true
	}
	lower := strings.ToLower(answer)
	found := -1
	for i, c := range choices {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			if found >= 0 {
				return Choice{}, false
			}
			found = i
		}
	}
	if found < 0 {
		return Choice{}, false
	}
	return Choice{Index: found, Entity: choices[found]}, true
}
