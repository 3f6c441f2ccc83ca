// Package api exposes the supervisor over JSON HTTP.
//
// Convention: business-logic failures are HTTP 200 with {ok:false,
// error}; 4xx is reserved for protocol errors (bad JSON, missing
// fields, unknown slots or endpoints).
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/rack"
	"github.com/labrack/labrack/pkg/radio"
	"github.com/labrack/labrack/pkg/util"
)

// Server wires the supervisor, activity log and radio collaborator into
// a gin router.
type Server struct {
	sup   *rack.Supervisor
	act   *actlog.Log
	radio *radio.Controller
}

// New returns a Server. The radio controller may be nil, in which case
// the /api/wifi endpoints report unavailability.
func New(sup *rack.Supervisor, act *actlog.Log, rc *radio.Controller) *Server {
	return &Server{sup: sup, act: act, radio: rc}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// Recovery writes no stack trace for client disconnects (broken
	// pipe / connection reset), which long serial reads provoke often.
	r.Use(gin.Recovery())

	r.GET("/", s.handleIndex)

	api := r.Group("/api")
	{
		api.GET("/devices", s.handleDevices)
		api.GET("/info", s.handleInfo)
		api.GET("/discover", s.handleDiscover)
		api.POST("/hotplug", s.handleHotplug)
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)

		api.POST("/serial/reset", s.handleSerialReset)
		api.POST("/serial/monitor", s.handleSerialMonitor)
		api.POST("/serial/recover", s.handleSerialRecover)
		api.POST("/serial/release", s.handleSerialRelease)

		api.GET("/log", s.handleLog)

		api.POST("/human-interaction", s.handleHumanRequest)
		api.GET("/human/status", s.handleHumanStatus)
		api.POST("/human/done", s.handleHumanDone)
		api.POST("/human/cancel", s.handleHumanCancel)

		api.POST("/pair/test", s.handlePairTest)
		api.POST("/pair/setup", s.handlePairSetup)
		api.GET("/pair/status", s.handlePairStatus)
		api.POST("/pair/disconnect", s.handlePairDisconnect)

		s.wifiRoutes(api.Group("/wifi"))
	}

	r.GET("/metrics", gin.WrapH(s.sup.Metrics().Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
	})
	return r
}

// Serve runs the HTTP server until the listener is closed.
func (s *Server) Serve(addr string) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Logger.Errorf("api: http server: %v", err)
		}
	}()
	util.Logger.Infof("api: control surface on %s", addr)
	return srv, nil
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"service": "labrackd",
		"host_ip": s.sup.HostIP(),
	})
}

// bizError maps a business failure into the 200 {ok:false} convention.
func bizError(c *gin.Context, err error) {
	c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
}

// protoError is a request the caller got wrong.
func protoError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg})
}
