package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/workers"
	"github.com/gin-gonic/gin"
)

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("job")
	runner, ok := s.Jobs[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job " + name})
		return
	}

	run, err := runner.RunOnce(c.Request.Context())
	if errors.Is(err, workers.ErrJobRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run": run})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.Runs.ListRuns(c.Query("job"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
