package bridge

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/protocol"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/turn"
)

// registerRoutes sets up all bridge routes on the Gin router.
func registerRoutes(router *gin.Engine, core Core, b *Broadcaster) {
	api := router.Group("/api")
	api.GET("/status", handleStatus(core))
	api.PUT("/server", handleSwitchServer(core))
	api.GET("/sessions", handleSessions(core))
	api.PUT("/session", handleSwitchSession(core))
	api.GET("/sessions/:key/messages", handleMessages(core))
	api.POST("/sessions/:key/messages", handleSubmit(core))
	api.POST("/sessions/:key/stop", handleStop(core))
	api.POST("/sessions/:key/refresh", handleRefresh(core))
	api.GET("/events", handleSSE(b))
}

type statusResponse struct {
	Server    string   `json:"server"`
	Session   string   `json:"session"`
	Servers   []string `json:"servers"`
	State     string   `json:"state"`
	Retries   int      `json:"retries"`
	LastError string   `json:"lastError,omitempty"`
	Pending   int      `json:"pending"`
}

type messageJSON struct {
	ID         uint      `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TurnID     string    `json:"turnId,omitempty"`
	Optimistic bool      `json:"optimistic"`
	Failed     bool      `json:"failed"`
	CreatedAt  time.Time `json:"createdAt"`
}

type turnJSON struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Attempts   int    `json:"attempts"`
}

type sessionJSON struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	Remote    bool      `json:"remote"`
	Unflushed bool      `json:"unflushed"`
	Active    bool      `json:"active"`
	Queued    int       `json:"queued"`
}

type switchServerRequest struct {
	ID string `json:"id" binding:"required"`
}

type switchSessionRequest struct {
	Key string `json:"key" binding:"required"`
}

type submitRequest struct {
	Text        string                `json:"text"`
	Attachments []protocol.Attachment `json:"attachments"`
}

func toMessages(msgs []models.CachedMessage) []messageJSON {
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = messageJSON{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			TurnID:     m.TurnID,
			Optimistic: m.Optimistic,
			Failed:     m.Failed,
			CreatedAt:  m.CreatedAt,
		}
	}
	return out
}

func toTurn(t turn.Turn) turnJSON {
	out := turnJSON{
		ID:         t.ID,
		SessionKey: t.SessionKey,
		Text:       t.Text,
		Status:     string(t.Status),
		Reply:      t.Reply,
		Attempts:   t.Attempts,
	}
	if t.Err != nil {
		out.Error = t.Err.Error()
	}
	return out
}

func toSessions(list []session.Summary) []sessionJSON {
	out := make([]sessionJSON, len(list))
	for i, s := range list {
		out[i] = sessionJSON{
			Key:       s.Key,
			Label:     s.Label,
			UpdatedAt: s.UpdatedAt,
			Remote:    s.Remote,
			Unflushed: s.Unflushed,
			Active:    s.Active,
			Queued:    s.Queued,
		}
	}
	return out
}

// fail writes err with a status derived from its kind.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, client.ErrUnknownServer), errors.Is(err, turn.ErrTurnNotFound):
		status = http.StatusNotFound
	case errors.Is(err, client.ErrNoActiveServer):
		status = http.StatusConflict
	case protocol.Retryable(err):
		status = http.StatusServiceUnavailable
	}
	var re *protocol.RemoteError
	if errors.As(err, &re) {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func handleStatus(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := core.Status()
		resp := statusResponse{
			Server:  st.Server,
			Session: st.Session,
			Servers: st.Servers,
			State:   st.Gateway.State.String(),
			Retries: st.Gateway.Retries,
			Pending: st.Gateway.Pending,
		}
		if st.Gateway.LastError != nil {
			resp.LastError = st.Gateway.LastError.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleSwitchServer(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := core.SwitchServer(req.ID); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSessions(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := core.ListSessions(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": toSessions(list)})
	}
}

func handleSwitchSession(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msgs, err := core.SwitchSession(req.Key)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": req.Key, "messages": toMessages(msgs)})
	}
}

func handleMessages(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := core.Messages(c.Param("key"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": toMessages(msgs)})
	}
}

func handleSubmit(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Text == "" && len(req.Attachments) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text or attachments required"})
			return
		}
		t, err := core.Submit(c.Request.Context(), c.Param("key"), req.Text, req.Attachments)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, toTurn(t))
	}
}

func handleStop(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		stopped, err := core.Stop(c.Param("key"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": stopped})
	}
}

func handleRefresh(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := core.Refresh(c.Request.Context(), c.Param("key"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": toMessages(msgs)})
	}
}
