package messaging

import (
	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureValidator checks X-Twilio-Signature on inbound webhooks.
type SignatureValidator struct {
	validator twilioclient.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the full public URL and the posted
// form parameters.
func (v *SignatureValidator) Valid(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}
