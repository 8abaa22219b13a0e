package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
)

// getResponse is a materialized context, with version headers when
// history was requested.
type getResponse struct {
	engine.State
	Versions []ir.VersionInfo `json:"versions,omitempty"`
}

// readBody reads the request body up to maxBodyBytes.
func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreate(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		abortUnreadable(c, err)
		return
	}

	var req createRequest
	if len(bytes.TrimSpace(body)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		if err := requestValidate.Struct(req); err != nil {
			abortBadRequest(c, err)
			return
		}
	}

	st, err := s.engine.Create(c.Request.Context(), req.options())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleList(c *gin.Context) {
	q, err := parseListQuery(c.Query)
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	page, err := s.engine.List(c.Request.Context(), ir.Page{Limit: q.Limit, Cursor: q.Cursor})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	q, err := parseGetQuery(c.Query)
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	st, err := s.engine.Get(c.Request.Context(), id, q.options())
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	resp := getResponse{State: st}
	if q.History {
		if resp.Versions, err = s.engine.History(c.Request.Context(), id); err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAppend(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		abortUnreadable(c, err)
		return
	}
	msgs, err := DecodeAppend(body)
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	st, err := s.engine.Append(c.Request.Context(), c.Param("id"), msgs)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleUpdate(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		abortUnreadable(c, err)
		return
	}
	updates, metadata, err := DecodeUpdate(body)
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	st, err := s.engine.Update(c.Request.Context(), c.Param("id"), updates, metadata)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDelete(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		abortUnreadable(c, err)
		return
	}
	sels, metadata, err := DecodeDelete(body)
	if err != nil {
		abortBadRequest(c, err)
		return
	}

	st, err := s.engine.Delete(c.Request.Context(), c.Param("id"), sels, metadata)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
