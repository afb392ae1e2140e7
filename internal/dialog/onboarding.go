package dialog

import (
	"fmt"
	"strconv"
)

// OnboardingLanguages are the choices offered by the onboarding dialog.
var OnboardingLanguages = []string{"JavaScript", "CoffeeScript", "TypeScript"}

// Onboarding returns a library with the sample "/" dialog: it asks for a name,
// years of coding and a language, then sums the answers up.
func Onboarding() *Library {
	return NewLibrary().Add("/",
		func(dc *Context, _ Result) error {
			return dc.Prompt(TextPrompt("Hello... What's your name?"))
		},
		func(dc *Context, res Result) error {
			dc.UserData()["name"] = res.Text
			return dc.Prompt(NumberPrompt("Hi " + res.Text + ", How many years have you been coding?"))
		},
		func(dc *Context, res Result) error {
			dc.UserData()["coding"] = res.Number
			return dc.Prompt(ChoicePrompt("What language do you code Node using?", OnboardingLanguages...))
		},
		func(dc *Context, res Result) error {
			language := res.Text
			if res.Choice != nil {
				language = res.Choice.Entity
			}
			data := dc.UserData()
			data["language"] = language
			return dc.Send(fmt.Sprintf("Got it... %v you've been programming for %s years and use %s.",
				data["name"], formatNumber(data["coding"]), language))
		},
	)
}

func formatNumber(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
