package api

import (
	"context"
	"net/http"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/services"
	"github.com/gin-gonic/gin"
)

type InboundHandler interface {
	HandleInbound(ctx context.Context, msg services.InboundMessage) (*services.InboundResult, error)
}

type JobRunner interface {
	RunOnce(ctx context.Context) (*models.JobRun, error)
}

type RunLister interface {
	ListRuns(job string, limit int) ([]models.JobRun, error)
}

type SignatureValidator interface {
	Valid(url string, params map[string]string, signature string) bool
}

// Server holds the HTTP surface's collaborators. A nil Validator disables
// webhook signature checks.
type Server struct {
	Inbound    InboundHandler
	Jobs       map[string]JobRunner
	Runs       RunLister
	Validator  SignatureValidator
	WebhookURL string
	AdminToken string
}

// NewRouter wires all routes and middlewares.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/sms/inbound", s.inboundSMS)

	admin := r.Group("/jobs")
	admin.Use(AdminOnly(s.AdminToken))
	admin.GET("/runs", s.listRuns)
	admin.POST("/:job", s.runJob)

	return r
}
