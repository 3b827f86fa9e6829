package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessionkit/sessionkit/internal/auth"
	"github.com/sessionkit/sessionkit/internal/offline"
	"github.com/sessionkit/sessionkit/internal/security"
	"github.com/sessionkit/sessionkit/internal/session"
)

// LoginRequest is the control-API login payload.
type LoginRequest struct {
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"rememberMe"`
}

type RegisterRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

type TwoFactorRequest struct {
	ChallengeID string `json:"challengeId" binding:"required"`
	Code        string `json:"code" binding:"required"`
}

type DeviceVerifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// AgentHandler exposes the local control API driving the lifecycle
// orchestrator.
type AgentHandler struct {
	orch    *auth.Orchestrator
	machine *session.Machine
	sec     *security.Validator
	offline *offline.Coordinator
}

func NewAgentHandler(orch *auth.Orchestrator, machine *session.Machine, sec *security.Validator, off *offline.Coordinator) *AgentHandler {
	return &AgentHandler{orch: orch, machine: machine, sec: sec, offline: off}
}

// Register routes under /session
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/session")
	s.GET("/status", h.Status)
	s.POST("/login", h.Login)
	s.POST("/register", h.SignUp)
	s.POST("/2fa", h.TwoFactor)
	s.POST("/device/verify", h.DeviceVerify)
	s.POST("/logout", h.Logout)
	s.POST("/extend", h.Extend)
	s.POST("/activity", h.Activity)
	s.GET("/security", h.Security)
}

// Status reports the current session and connectivity.
func (h *AgentHandler) Status(c *gin.Context) {
	sess := h.machine.Current()
	resp := gin.H{
		"authenticated": h.orch.IsAuthenticated(c.Request.Context()),
		"online":        h.offline.Online(),
	}
	if sess != nil {
		resp["session"] = sess
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AgentHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.orch.Login(c.Request.Context(), req.Email, req.Password, req.RememberMe)
	if err != nil {
		c.JSON(authStatus(err), gin.H{"error": err.Error()})
		return
	}
	if res.RequiresTwoFactor {
		c.JSON(http.StatusAccepted, gin.H{"requiresTwoFactor": true, "challengeId": res.ChallengeID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": res.User, "session": res.Session})
}

func (h *AgentHandler) SignUp(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.orch.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		c.JSON(authStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": res.User, "session": res.Session})
}

func (h *AgentHandler) TwoFactor(c *gin.Context) {
	var req TwoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.orch.VerifyTwoFactor(c.Request.Context(), req.ChallengeID, req.Code)
	if err != nil {
		c.JSON(authStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": res.User, "session": res.Session})
}

func (h *AgentHandler) DeviceVerify(c *gin.Context) {
	var req DeviceVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.orch.VerifyDevice(c.Request.Context(), req.Code); err != nil {
		c.JSON(authStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

func (h *AgentHandler) Logout(c *gin.Context) {
	if err := h.orch.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}

func (h *AgentHandler) Extend(c *gin.Context) {
	if err := h.orch.ExtendSession(c.Request.Context()); err != nil {
		c.JSON(authStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended": true, "session": h.machine.Current()})
}

// Activity marks user activity on the session. Embedding applications call
// this on meaningful interaction.
func (h *AgentHandler) Activity(c *gin.Context) {
	h.machine.RecordActivity(time.Now())
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (h *AgentHandler) Security(c *gin.Context) {
	c.JSON(http.StatusOK, h.sec.Get())
}
