// Package api serves the CLI's local HTTP surface: a health probe, a
// small status/pin API and the WebSocket bridge endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/halremote"
	"github.com/openmach/halbridge/internal/bridge"
)

type Server struct {
	router    *gin.Engine
	component *halremote.RemoteComponent
	logger    *zap.Logger
	server    *http.Server
	wsHub     *bridge.Hub
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func newErrorResponse(code, message string) errorResponse {
	return errorResponse{Error: errorBody{Code: code, Message: message}}
}

func NewServer(httpPort int, component *halremote.RemoteComponent, wsHub *bridge.Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		component: component,
		logger:    logger,
		wsHub:     wsHub,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", httpPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting status API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Status API server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggerMiddleware(s.logger))

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/pins", s.listPins)
		v1.POST("/pins/:name", s.setPin)
	}

	s.router.GET("/ws", func(c *gin.Context) {
		bridge.ServeWs(s.wsHub, c.Writer, c.Request)
	})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pinStatus struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Direction string      `json:"direction"`
	Value     interface{} `json:"value"`
	Synced    bool        `json:"synced"`
	Handle    *uint32     `json:"handle,omitempty"`
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"component":        s.component.Name(),
		"connection_state": s.component.ConnectionState().String(),
		"connection_error": s.component.ConnectionError().String(),
		"error_string":     s.component.ErrorString(),
		"connected":        s.component.Connected(),
		"ws_clients":       s.wsHub.GetClientCount(),
	})
}

func (s *Server) listPins(c *gin.Context) {
	pins := s.component.Registry().Pins()
	out := make([]pinStatus, 0, len(pins))
	for _, pin := range pins {
		status := pinStatus{
			Name:      pin.Name(),
			Type:      pin.Type().String(),
			Direction: pin.Direction().String(),
			Value:     pin.Value().Interface(),
			Synced:    pin.Synced(),
		}
		if handle, known := pin.Handle(); known {
			status.Handle = &handle
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"pins": out})
}

type setPinRequest struct {
	// Value is kept untyped; false and 0 are valid pin values.
	Value interface{} `json:"value"`
}

func (s *Server) setPin(c *gin.Context) {
	name := c.Param("name")
	pin := s.component.Registry().ByName(name)
	if pin == nil {
		c.JSON(http.StatusNotFound, newErrorResponse("pin_not_found", name))
		return
	}

	var req setPinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid_request", err.Error()))
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid_request", "value is required"))
		return
	}

	value, err := ValueForPin(pin, req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid_value", err.Error()))
		return
	}
	if err := pin.SetValue(value); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("set_failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"name": name, "value": pin.Value().Interface()})
}

// ValueForPin converts a decoded JSON value into the pin's value type.
func ValueForPin(pin *halremote.Pin, raw interface{}) (halremote.Value, error) {
	switch pin.Type() {
	case halproto.ValueTypeBit:
		b, ok := raw.(bool)
		if !ok {
			return halremote.Value{}, fmt.Errorf("pin %s needs a boolean value", pin.Name())
		}
		return halremote.BitValue(b), nil
	case halproto.ValueTypeFloat:
		f, ok := raw.(float64)
		if !ok {
			return halremote.Value{}, fmt.Errorf("pin %s needs a number value", pin.Name())
		}
		return halremote.FloatValue(f), nil
	case halproto.ValueTypeS32:
		f, ok := raw.(float64)
		if !ok {
			return halremote.Value{}, fmt.Errorf("pin %s needs a number value", pin.Name())
		}
		return halremote.S32Value(int32(f)), nil
	case halproto.ValueTypeU32:
		f, ok := raw.(float64)
		if !ok || f < 0 {
			return halremote.Value{}, fmt.Errorf("pin %s needs a non-negative number value", pin.Name())
		}
		return halremote.U32Value(uint32(f)), nil
	default:
		return halremote.Value{}, fmt.Errorf("pin %s has unknown type", pin.Name())
	}
}
