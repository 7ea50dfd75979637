// Package meshhttp is the HTTP adapter for the engine facade: the public API
// surface, health endpoints, and metrics exposition, served by gin.
package meshhttp

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"epochmesh/engine"
	"epochmesh/engine/behavior"
	"epochmesh/engine/models"
	telemetryhealth "epochmesh/engine/telemetry/health"
)

const serviceName = "epochmesh"

// Options configures the router.
type Options struct {
	Version string
	// Quiet disables gin's default logging middleware (tests).
	Quiet bool
}

// NewRouter builds the full route set over an engine.
func NewRouter(e *engine.Engine, opts Options) *gin.Engine {
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	var r *gin.Engine
	if opts.Quiet {
		gin.SetMode(gin.TestMode)
		r = gin.New()
		r.Use(gin.Recovery())
	} else {
		r = gin.Default()
	}
	s := &server{engine: e, version: opts.Version}

	r.GET("/health", s.health)
	r.GET("/health/deep", s.deepHealth)
	if h := e.MetricsHandler(); h != nil {
		r.GET("/metrics", gin.WrapH(h))
	}

	api := r.Group("/api")
	{
		api.POST("/events", s.postEvent)
		api.POST("/events/batch", s.postEventBatch)
		api.GET("/status", s.status)
		api.GET("/audit", s.audit)
		api.GET("/audit/stats", s.auditStats)
		api.POST("/cleansing/deploy", s.deployCleansing)
		api.POST("/telemetry/watchdog", s.watchdogTelemetry)
		api.POST("/phoenix/drain", s.phoenixDrain)

		api.GET("/simulation/status", s.simulationStatus)
		api.POST("/simulation/tick", s.simulationTick)
		api.POST("/simulation/mine", s.addMine)
		api.POST("/simulation/refinery", s.addRefinery)
		api.GET("/economy/price/:type", s.economyPrice)

		api.POST("/npc/action", s.npcAction)
		api.GET("/npc/:id/state", s.npcState)
		api.GET("/npc/:id/rebellion", s.npcRebellion)

		v1 := api.Group("/v1")
		v1.POST("/npc/command", s.npcCommand)
		v1.POST("/npc/command/batch", s.npcCommandBatch)
	}
	return r
}

type server struct {
	engine  *engine.Engine
	version string
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   serviceName,
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) deepHealth(c *gin.Context) {
	snap := s.engine.HealthSnapshot(c.Request.Context())
	body := gin.H{
		"overall":   snap.Overall,
		"probes":    snap.Probes,
		"generated": snap.Generated,
	}
	switch snap.Overall {
	case telemetryhealth.StatusHealthy:
		c.JSON(http.StatusOK, body)
	case telemetryhealth.StatusDegraded:
		body["degraded"] = true
		c.JSON(http.StatusOK, body)
	default:
		c.JSON(http.StatusServiceUnavailable, body)
	}
}

func (s *server) postEvent(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	resp, err := s.engine.ProcessEvent(c.Request.Context(), ev)
	if err != nil {
		s.reject(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) postEventBatch(c *gin.Context) {
	var evs []models.Event
	if err := c.ShouldBindJSON(&evs); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.engine.ProcessBatch(c.Request.Context(), evs))
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.SnapshotState())
}

func (s *server) audit(c *gin.Context) {
	count := 100
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, "count must be a non-negative integer"))
			return
		}
		count = n
	}
	if count > 1000 {
		count = 1000
	}
	c.JSON(http.StatusOK, s.engine.Pipeline().Audit().Recent(count))
}

func (s *server) auditStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Pipeline().Audit().Stats())
}

type cleansingRequest struct {
	NPCIDs []string `json:"npc_ids"`
}

func (s *server) deployCleansing(c *gin.Context) {
	var req cleansingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
			return
		}
	}
	result, err := s.engine.DeployCleansing(c.Request.Context(), req.NPCIDs)
	if err != nil {
		if errors.Is(err, behavior.ErrNoPlagueHeart) || errors.Is(err, behavior.ErrInsufficientParticipants) {
			c.JSON(http.StatusConflict, models.NewRejection(models.CodeInvalidInput, err.Error()))
			return
		}
		c.JSON(http.StatusServiceUnavailable, models.NewRejection(models.CodeBackendUnavailable, err.Error()))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) watchdogTelemetry(c *gin.Context) {
	var env map[string]interface{}
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	if err := s.engine.Stream().Publish(models.ChannelSystemStatus, env); err != nil {
		s.reject(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebroadcast": true})
}

func (s *server) phoenixDrain(c *gin.Context) {
	flushed := s.engine.ForceDrain(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"flushed":   flushed,
		"remaining": s.engine.Graph().RingDepth(),
	})
}

func (s *server) simulationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Simulation().Status())
}

func (s *server) simulationTick(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Simulation().Tick())
}

type mineRequest struct {
	YieldRate float64 `json:"yield_rate" binding:"required,gt=0"`
}

func (s *server) addMine(c *gin.Context) {
	var req mineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"mine_id": s.engine.Simulation().AddMine(req.YieldRate)})
}

type refineryRequest struct {
	Efficiency float64 `json:"efficiency" binding:"required,gt=0,lte=1"`
}

func (s *server) addRefinery(c *gin.Context) {
	var req refineryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"refinery_id": s.engine.Simulation().AddRefinery(req.Efficiency)})
}

func (s *server) economyPrice(c *gin.Context) {
	price, ok := s.engine.Economy().Price(models.ResourceType(c.Param("type")))
	if !ok {
		c.JSON(http.StatusNotFound, models.NewRejection(models.CodeInvalidInput, "unknown resource type"))
		return
	}
	c.JSON(http.StatusOK, price)
}

func (s *server) npcAction(c *gin.Context) {
	var action behavior.NPCAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	effect, err := s.engine.ApplyAction(c.Request.Context(), action)
	if err != nil {
		s.reject(c, err)
		return
	}
	c.JSON(http.StatusOK, effect)
}

func (s *server) npcState(c *gin.Context) {
	state, ok := s.engine.Graph().NPCState(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, models.NewRejection(models.CodeInvalidInput, "unknown NPC"))
		return
	}
	c.JSON(http.StatusOK, state)
}

// npcRebellion serves the behavior engine's policy probability alongside the
// memory graph's diagnostic derivation.
func (s *server) npcRebellion(c *gin.Context) {
	npcID := c.Param("id")
	state, ok := s.engine.Behaviors().Get(npcID)
	if !ok {
		c.JSON(http.StatusNotFound, models.NewRejection(models.CodeInvalidInput, "unknown NPC"))
		return
	}
	res := s.engine.Rebellion().Probability(state)
	c.JSON(http.StatusOK, gin.H{
		"npc_id":             npcID,
		"probability":        res.Probability,
		"threshold_exceeded": res.ThresholdExceeded,
		"factors":            res.Factors,
		"memory_derived":     s.engine.Graph().RebellionProbability(npcID),
	})
}

func (s *server) npcCommand(c *gin.Context) {
	var cmd models.NPCCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	out, err := s.engine.PublishCommand(cmd)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) npcCommandBatch(c *gin.Context) {
	var cmds []models.NPCCommand
	if err := c.ShouldBindJSON(&cmds); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRejection(models.CodeInvalidInput, err.Error()))
		return
	}
	out := make([]gin.H, 0, len(cmds))
	status := http.StatusOK
	for _, cmd := range cmds {
		published, err := s.engine.PublishCommand(cmd)
		if err != nil {
			out = append(out, gin.H{"error": models.NewRejection(models.CodeInvalidInput, err.Error())})
			status = http.StatusMultiStatus
			continue
		}
		out = append(out, gin.H{"command": published})
	}
	c.JSON(status, out)
}

// reject maps taxonomy errors onto status codes with a machine-readable body.
func (s *server) reject(c *gin.Context, err error) {
	code := models.CodeFor(err)
	status := http.StatusInternalServerError
	switch code {
	case models.CodeInvalidInput:
		status = http.StatusBadRequest
	case models.CodeCircuitOpen, models.CodeBackendUnavailable:
		status = http.StatusServiceUnavailable
	case models.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, models.NewRejection(code, err.Error()))
}
