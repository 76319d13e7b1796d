package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
	snapsync "github.com/njoerd114/snapqueue/internal/sync"
)

// --- reads ------------------------------------------------------------------

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":   s.proj.IsOnline(),
		"has_more": s.eng.HasMore(),
		"counts":   s.proj.Counts(),
	})
}

func (s *Server) feed(c *gin.Context) {
	c.JSON(http.StatusOK, toFeedJSON(s.proj.Feed()))
}

func (s *Server) listConfirmed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": toItemsJSON(s.proj.ConfirmedItems())})
}

func (s *Server) listPending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": toItemsJSON(s.proj.PendingItems())})
}

func (s *Server) listErrored(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": toItemsJSON(s.proj.ErroredItems())})
}

func (s *Server) getItem(c *gin.Context) {
	id := c.Param("id")
	for _, it := range s.eng.Snapshot() {
		if it.ID == id && !it.Removed {
			c.JSON(http.StatusOK, toItemJSON(it))
			return
		}
	}
	s.writeError(c, snapsync.ErrNotFound)
}

// --- commands ---------------------------------------------------------------

func (s *Server) createItem(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	item, done, err := s.eng.CreateItem(c.Request.Context(), model.Payload{
		MediaURI: body.MediaURI,
		Caption:  body.Caption,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if wantWait(c) {
		if err := s.wait(c.Request.Context(), done); err != nil {
			s.writeError(c, err)
			return
		}
		for _, it := range s.eng.Snapshot() {
			if it.ID == item.ID {
				item = it
				break
			}
		}
		c.JSON(http.StatusCreated, toItemJSON(item))
		return
	}
	c.JSON(http.StatusAccepted, toItemJSON(item))
}

func (s *Server) toggleLike(c *gin.Context) {
	s.command(c, s.eng.ToggleLike(c.Param("id")))
}

func (s *Server) reportItem(c *gin.Context) {
	s.command(c, s.eng.ReportImage(c.Param("id")))
}

func (s *Server) removeItem(c *gin.Context) {
	s.command(c, s.eng.RemoveImage(c.Param("id")))
}

func (s *Server) retry(c *gin.Context) {
	var body retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
	}
	s.command(c, s.eng.RetryErrored(body.IDs...))
}

func (s *Server) flush(c *gin.Context) {
	s.command(c, s.eng.FlushPending())
}

func (s *Server) fetchPage(c *gin.Context) {
	st, err := s.eng.FetchPage(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMergeJSON(st, s.eng.HasMore()))
}

func (s *Server) fetchNewer(c *gin.Context) {
	st, err := s.eng.FetchNewer(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMergeJSON(st, s.eng.HasMore()))
}

// command answers 202 for a command still running, or the outcome when it
// already finished or the caller asked to wait.
func (s *Server) command(c *gin.Context, done *snapsync.Completion) {
	if wantWait(c) {
		if err := s.wait(c.Request.Context(), done); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done"})
		return
	}
	select {
	case <-done.Done():
		if err := done.Err(); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func (s *Server) wait(ctx context.Context, done *snapsync.Completion) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()
	return done.Wait(ctx)
}

func wantWait(c *gin.Context) bool {
	v, err := strconv.ParseBool(c.Query("wait"))
	return err == nil && v
}

func (s *Server) writeError(c *gin.Context, err error) {
	var verr *model.ValidationError
	var gerr *gateway.Error
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, snapsync.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, snapsync.ErrNotConfirmed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, snapsync.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for command"})
	case errors.As(err, &gerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
