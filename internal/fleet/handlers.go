package fleet

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perchplatform/perch/internal/idgen"
	"github.com/perchplatform/perch/internal/validation"
)

// Handler provides admin HTTP endpoints for fleet management.
type Handler struct {
	store Store
}

// NewHandler creates a new fleet handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up the operator-only fleet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/servers", h.CreateServer)
	r.GET("/servers", h.ListServers)
	r.PATCH("/servers/:id", h.UpdateServer)
	r.POST("/ports", h.SeedPorts)
}

// CreateServer handles POST /v1/servers.
func (h *Handler) CreateServer(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Address    string `json:"address" binding:"required"`
		AgentURL   string `json:"agentUrl" binding:"required"`
		DBHost     string `json:"dbHost" binding:"required"`
		DBPort     int    `json:"dbPort"`
		DBUser     string `json:"dbUser" binding:"required"`
		DBPassword string `json:"dbPassword" binding:"required"`
		IsPrimary  bool   `json:"isPrimary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.DBPort == 0 {
		req.DBPort = 5432
	}

	now := time.Now()
	s := &Server{
		ID:         idgen.WithPrefix("srv_"),
		Name:       validation.SanitizeString(req.Name, 100),
		Address:    req.Address,
		AgentURL:   req.AgentURL,
		DBHost:     req.DBHost,
		DBPort:     req.DBPort,
		DBUser:     req.DBUser,
		DBPassword: req.DBPassword,
		IsPrimary:  req.IsPrimary,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateServer(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create server"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"server": s})
}

// ListServers handles GET /v1/servers.
func (h *Handler) ListServers(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	servers, err := h.store.ListServers(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list servers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "count": len(servers)})
}

// UpdateServer handles PATCH /v1/servers/:id (activate/deactivate, rename).
func (h *Handler) UpdateServer(c *gin.Context) {
	var req struct {
		Name     *string `json:"name"`
		IsActive *bool   `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	s, err := h.store.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "server not found"})
		return
	}
	if req.Name != nil {
		s.Name = validation.SanitizeString(*req.Name, 100)
	}
	if req.IsActive != nil {
		s.IsActive = *req.IsActive
	}
	if err := h.store.UpdateServer(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": s})
}

// SeedPorts handles POST /v1/ports, adding a port range to the pool.
func (h *Handler) SeedPorts(c *gin.Context) {
	var req struct {
		From int `json:"from" binding:"required"`
		To   int `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from and to required"})
		return
	}
	if req.From < 1024 || req.To > 65535 || req.To < req.From {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": "port range must be within 1024-65535"})
		return
	}
	if req.To-req.From > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": "port range too large"})
		return
	}

	ports := make([]int, 0, req.To-req.From+1)
	for p := req.From; p <= req.To; p++ {
		ports = append(ports, p)
	}
	if err := h.store.SeedPorts(c.Request.Context(), ports); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to seed ports"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": len(ports)})
}
