package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vigil/internal/actuator"
	"vigil/internal/config"
	"vigil/internal/percept"
	"vigil/internal/policy"
	"vigil/internal/store"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.orch.State()})
}

// ============================================================================
// Iterations
// ============================================================================

func (s *Server) listIterations(c *gin.Context) {
	afterID, _ := strconv.ParseInt(c.DefaultQuery("after_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	iterations, err := s.ledger.ListIterationsAfter(afterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if iterations == nil {
		iterations = []store.Iteration{}
	}
	c.JSON(http.StatusOK, iterations)
}

func (s *Server) getIteration(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid iteration id"})
		return
	}

	it, err := s.ledger.GetIteration(id)
	if errors.Is(err, store.ErrIterationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, it)
}

// ============================================================================
// Approvals
// ============================================================================

func (s *Server) listApprovals(c *gin.Context) {
	pending := s.orch.Snapshot().PendingApprovals
	if pending == nil {
		pending = []policy.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) resolveApproval(c *gin.Context, approved bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid approval id"})
		return
	}

	res, err := s.orch.ResolveApproval(s.runCtx, id, approved)
	switch {
	case errors.Is(err, policy.ErrApprovalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, policy.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) approve(c *gin.Context) { s.resolveApproval(c, true) }
func (s *Server) deny(c *gin.Context)    { s.resolveApproval(c, false) }

// ============================================================================
// Sensors
// ============================================================================

func (s *Server) addSensor(c *gin.Context) {
	var sc config.SensorConfig
	if err := c.ShouldBindJSON(&sc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sensor := sc.BuildSensor()
	if err := sensor.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sensors.Add(sensor); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if sensor.Ingress.Type == percept.IngressDirectory && s.watcher != nil {
		s.watcher.Watch(sensor.Name, sensor.Ingress.Path)
	}

	s.log.Info("sensor added", zap.String("name", sensor.Name))
	c.JSON(http.StatusCreated, sensor)
}

func (s *Server) updateSensor(c *gin.Context) {
	var update percept.SensorUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := c.Param("name")
	if err := s.sensors.Update(name, update); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) deleteSensor(c *gin.Context) {
	name := c.Param("name")

	sensor, ok := s.sensors.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}
	if sensor.Ingress.Type == percept.IngressDirectory && s.watcher != nil {
		s.watcher.Unwatch(sensor.Ingress.Path)
	}

	if err := s.sensors.Remove(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// postPercept is the REST ingress: the request body becomes one percept on
// the named sensor, validated against the sensor's declared format before
// it can touch loop state.
func (s *Server) postPercept(c *gin.Context) {
	name := c.Param("name")
	sensor, ok := s.sensors.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}
	if sensor.Ingress.Type != percept.IngressRest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sensor does not accept REST percepts"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty percept"})
		return
	}
	if sensor.Ingress.Format == percept.RestFormatJSON && !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not valid JSON"})
		return
	}

	content := string(body)
	if chatID := c.Query("chat_id"); chatID != "" {
		err = s.sensors.EnqueueChat(name, content, chatID)
	} else {
		err = s.sensors.Enqueue(name, content)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ============================================================================
// Actuators
// ============================================================================

func (s *Server) addActuator(c *gin.Context) {
	var a actuator.Actuator
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orch.Executor().Registry().Add(a); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, actuator.ErrActuatorExists) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("actuator added", zap.String("name", a.Name), zap.String("kind", string(a.Kind)))
	c.JSON(http.StatusCreated, a)
}

func (s *Server) updatePolicy(c *gin.Context) {
	var update actuator.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := c.Param("name")
	if err := s.orch.Executor().Registry().UpdatePolicy(name, update); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, actuator.ErrActuatorNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// ============================================================================
// Loop control
// ============================================================================

type loopConfigRequest struct {
	IntervalMS int `json:"interval_ms"`
}

func (s *Server) getLoopConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"interval_ms": s.orch.Interval().Milliseconds(),
		"state":       s.orch.State(),
	})
}

func (s *Server) setLoopConfig(c *gin.Context) {
	var req loopConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IntervalMS <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval_ms must be a positive integer"})
		return
	}

	s.orch.SetInterval(time.Duration(req.IntervalMS) * time.Millisecond)
	s.persistInterval(req.IntervalMS)
	c.JSON(http.StatusOK, gin.H{"interval_ms": req.IntervalMS})
}

// persistInterval writes the new interval back to the config file so it
// survives restarts. Best effort; the running loop already honors it.
func (s *Server) persistInterval(intervalMS int) {
	if s.cfg == nil || s.cfgPath == "" {
		return
	}
	s.cfg.LoopIntervalMS = intervalMS
	if err := s.cfg.Save(s.cfgPath); err != nil {
		s.log.Warn("failed to persist loop config", zap.Error(err))
	}
}

func (s *Server) startLoop(c *gin.Context) {
	var req loopConfigRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.IntervalMS > 0 {
		s.orch.SetInterval(time.Duration(req.IntervalMS) * time.Millisecond)
		s.persistInterval(req.IntervalMS)
	}

	if err := s.orch.Start(s.runCtx); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orch.State()})
}

func (s *Server) stopLoop(c *gin.Context) {
	s.orch.Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.orch.State()})
}

// ============================================================================
// Status + events
// ============================================================================

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Snapshot())
}

// events streams the loop's event feed over SSE. The client gets one
// snapshot immediately, then live phase and snapshot events until it
// disconnects.
func (s *Server) events(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events, cancel := s.orch.Events().Subscribe()
	defer cancel()

	snap := s.orch.Snapshot()
	writeSSE(c, "snapshot", snap)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c, string(ev.Type), ev)
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.Writer.WriteString("event: " + event + "\n")
	c.Writer.WriteString("data: " + string(data) + "\n\n")
}
