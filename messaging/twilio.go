package messaging

import (
	"context"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender sends SMS through the Twilio REST API, throttled to the
// configured sends per second.
type TwilioSender struct {
	api     messageCreator
	from    string
	limiter *rate.Limiter
}

// NewTwilioSender builds a sender on the REST API. A nil httpClient uses the
// library's default transport.
func NewTwilioSender(accountSID, authToken, from string, perSecond float64, httpClient *http.Client) *TwilioSender {
	params := twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	}
	if httpClient != nil {
		base := &client.Client{
			Credentials: client.NewCredentials(accountSID, authToken),
			HTTPClient:  httpClient,
		}
		base.SetAccountSid(accountSID)
		params.Client = base
	}
	rest := twilio.NewRestClientWithParams(params)
	return newTwilioSender(rest.Api, from, perSecond)
}

func newTwilioSender(api messageCreator, from string, perSecond float64) *TwilioSender {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &TwilioSender{
		api:     api,
		from:    from,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("create message: response has no sid")
	}
	return *resp.Sid, nil
}
