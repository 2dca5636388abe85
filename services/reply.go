package services

import (
	"strings"
)

type Intent string

const (
	IntentYes     Intent = "yes"
	IntentNo      Intent = "no"
	IntentHelp    Intent = "help"
	IntentUnknown Intent = "unknown"
)

var (
	yesWords = map[string]bool{"yes": true, "y": true, "yeah": true, "yup": true, "yep": true, "sure": true, "ok": true, "okay": true}
	noWords  = map[string]bool{"no": true, "n": true, "nope": true, "nah": true}

	// Checked before token matching, so "no, what?" reads as help.
	helpMarkers = []string{"what", "other", "list", "show", "help", "?"}
)

// Classify maps a free-text SMS reply to an Intent. It never fails.
func Classify(body string) Intent {
	text := strings.ToLower(strings.TrimSpace(body))
	text = strings.TrimRight(text, ".! ")
	if text == "" {
		return IntentUnknown
	}

	if yesWords[text] {
		return IntentYes
	}
	if noWords[text] {
		return IntentNo
	}

	for _, marker := range helpMarkers {
		if strings.Contains(text, marker) {
			return IntentHelp
		}
	}

	var sawYes, sawNo bool
	for _, tok := range strings.FieldsFunc(text, isSeparator) {
		if yesWords[tok] {
			sawYes = true
		}
		if noWords[tok] {
			sawNo = true
		}
	}
	switch {
	case sawYes && !sawNo:
		return IntentYes
	case sawNo && !sawYes:
		return IntentNo
	}
	return IntentUnknown
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', ',', '.', '!', ';', ':', '-':
		return true
	}
	return false
}
