package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		body string
		want Intent
	}{
		{"YES", IntentYes},
		{"  Yeah ", IntentYes},
		{"y", IntentYes},
		{"ok!", IntentYes},
		{"Yes it is still available", IntentYes},
		{"nope", IntentNo},
		{"NO.", IntentNo},
		{"nah, rented it", IntentNo},
		{"what else do I have", IntentHelp},
		{"?", IntentHelp},
		{"show me", IntentHelp},
		{"maybe", IntentUnknown},
		{"", IntentUnknown},
		{"yes and no", IntentUnknown},
		{"nothing", IntentUnknown},
		{"yesterday", IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.body))
		})
	}
}

// Help markers are substrings and take priority over token matches.
func TestClassify_HelpShadowsNo(t *testing.T) {
	assert.Equal(t, IntentHelp, Classify("no, I listed it elsewhere"))
	assert.Equal(t, IntentHelp, Classify("Yes, and the other one too"))
}
