package clienttest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server exposes a FakeRemote over the HTTP and WebSocket endpoints the
// client transports speak.
type Server struct {
	*httptest.Server
	Remote *FakeRemote
	// Token, when set, is the only bearer token accepted.
	Token string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer(remote *FakeRemote, token string) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{Remote: remote, Token: token}

	r := gin.New()
	v1 := r.Group("/v1", s.auth)
	v1.GET("/tables", s.tables)
	v1.GET("/export", s.export)
	v1.GET("/records", s.records)
	v1.GET("/records-since", s.since)
	v1.GET("/events", s.events)
	v1.GET("/events/head", s.head)
	v1.POST("/write", s.write)
	v1.GET("/ping", s.ping)
	v1.GET("/stream", s.stream)

	s.Server = httptest.NewServer(r)
	return s
}

// StreamURL is the WebSocket endpoint of the server.
func (s *Server) StreamURL() string {
	return client.StreamURLFromBase(s.URL)
}

func (s *Server) auth(c *gin.Context) {
	if s.Token == "" {
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "invalid token"})
	}
}

func fail(c *gin.Context, err error) {
	var rl *client.RateLimitError
	var httpErr *client.HTTPError
	switch {
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter/time.Second)))
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited"})
	case errors.As(err, &httpErr):
		c.JSON(httpErr.StatusCode, gin.H{"code": httpErr.Code, "message": httpErr.Message})
	case errors.Is(err, common.ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": err.Error()})
	case errors.Is(err, common.ErrPermanentWrite):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "rejected", "message": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "unavailable", "message": err.Error()})
	}
}

func (s *Server) tables(c *gin.Context) {
	out, err := s.Remote.ListTables(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, client.TablesResponse{Tables: out})
}

func (s *Server) export(c *gin.Context) {
	out, err := s.Remote.BulkExport(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) records(c *gin.Context) {
	out, err := s.Remote.FetchTable(c.Request.Context(), c.Query("tableId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, client.RecordsResponse{Records: out})
}

func (s *Server) since(c *gin.Context) {
	out, err := s.Remote.FetchSince(c.Request.Context(), c.Query("tableId"), c.Query("since"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) events(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := s.Remote.ReadEvents(c.Request.Context(), c.Query("cursor"), c.Query("fromStart") == "true", limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) head(c *gin.Context) {
	out, err := s.Remote.Head(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, client.HeadResponse{Cursor: out})
}

func (s *Server) write(c *gin.Context) {
	var req client.WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
		return
	}
	out, err := s.Remote.Write(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) ping(c *gin.Context) {
	if err := s.Remote.Ping(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) stream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := s.Remote.Subscribe(ctx, c.Query("cursor"))
	if err != nil {
		fail(c, err)
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		b, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			msg := client.StreamMessage{Type: client.MessageError, Code: "unavailable", Message: err.Error()}
			if errors.Is(err, common.ErrAuthExpired) {
				msg.Code = client.CodeUnauthorized
			}
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = ws.WriteJSON(msg)
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(client.StreamMessage{Type: client.MessageEvents, Events: b.Events, Cursor: b.Cursor}); err != nil {
			return
		}
	}
}
