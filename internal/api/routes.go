package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/pulse"
	"github.com/zulandar/pulse/internal/store"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, svc *pulse.Service) {
	g := router.Group("/api")
	g.GET("/health", handleHealth())
	g.GET("/projects", handleProjects(svc))
	g.GET("/pulse", handlePulse(svc))
	g.GET("/events", handleEvents(svc))
	g.GET("/changes", handleChanges(svc))
	g.GET("/blockers", handleBlockers(svc))
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// failErr maps service errors to responses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound), errors.Is(err, store.ErrSnapshotNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, delta.ErrSnapshotProject):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func projectID(c *gin.Context) (string, bool) {
	id := c.Query("project_id")
	if id == "" {
		fail(c, http.StatusBadRequest, "project_id is required")
		return "", false
	}
	return id, true
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleProjects(svc *pulse.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, _ := strconv.ParseBool(c.DefaultQuery("include_inactive", "false"))
		projects, err := svc.ListProjects(c.Request.Context(), all)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"projects": projects})
	}
}

func handlePulse(svc *pulse.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		p, err := svc.GetPulse(c.Request.Context(), id)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func handleEvents(svc *pulse.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		f := pulse.EventFilter{SourceType: c.Query("source_type"), Kind: c.Query("kind")}
		var err error
		if f.Limit, err = intParam(c, "limit"); err != nil {
			fail(c, http.StatusBadRequest, "limit must be an integer")
			return
		}
		if f.Offset, err = intParam(c, "offset"); err != nil {
			fail(c, http.StatusBadRequest, "offset must be an integer")
			return
		}
		if f.Since, err = timeParam(c, "since"); err != nil {
			fail(c, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		if f.Until, err = timeParam(c, "until"); err != nil {
			fail(c, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		page, err := svc.GetEvents(c.Request.Context(), id, f)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func handleChanges(svc *pulse.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		raw := c.Query("since")
		if raw == "" {
			fail(c, http.StatusBadRequest, "since is required")
			return
		}
		since, err := delta.ParseSince(raw, time.Now())
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		cl, err := svc.GetChanges(c.Request.Context(), id, since)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, cl)
	}
}

func handleBlockers(svc *pulse.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := projectID(c)
		if !ok {
			return
		}
		blockers, err := svc.GetBlockers(c.Request.Context(), id)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"project_id": id, "blockers": blockers})
	}
}

func intParam(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func timeParam(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
