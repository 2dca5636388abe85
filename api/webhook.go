package api

import (
	"log"
	"net/http"

	"github.com/MyDira/Hadirot-sub006/services"
	"github.com/gin-gonic/gin"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// inboundSMS acknowledges every genuine delivery with empty TwiML. Replies go
// out through the REST API, never in the webhook response.
func (s *Server) inboundSMS(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		log.Printf("Warning: webhook: bad form body: %v", err)
		c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
		return
	}

	params := make(map[string]string, len(c.Request.PostForm))
	for k := range c.Request.PostForm {
		params[k] = c.Request.PostForm.Get(k)
	}

	if s.Validator != nil {
		sig := c.GetHeader("X-Twilio-Signature")
		if !s.Validator.Valid(s.WebhookURL, params, sig) {
			log.Printf("Warning: webhook: rejected request with bad signature from %s", c.ClientIP())
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
	}

	msg := services.InboundMessage{
		From:       params["From"],
		Body:       params["Body"],
		MessageSID: params["MessageSid"],
	}
	res, err := s.Inbound.HandleInbound(c.Request.Context(), msg)
	switch {
	case err != nil:
		log.Printf("Error: webhook %s: %v", msg.MessageSID, err)
	case res != nil:
		log.Printf("Webhook: %s -> %s (intent=%s state=%s)", msg.MessageSID, res.Outcome, res.Intent, res.State)
	}

	c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
}
