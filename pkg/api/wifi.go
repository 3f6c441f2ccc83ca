package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labrack/labrack/pkg/actlog"
)

// wifiRoutes forwards control requests to the radio collaborator
// unchanged; the supervisor adds nothing but the JSON envelope.
func (s *Server) wifiRoutes(g *gin.RouterGroup) {
	g.GET("/ping", s.handleWifiPing)
	g.GET("/mode", s.handleWifiGetMode)
	g.POST("/mode", s.handleWifiSetMode)
	g.POST("/ap/start", s.handleWifiAPStart)
	g.POST("/ap/stop", s.handleWifiAPStop)
	g.GET("/ap/status", s.handleWifiAPStatus)
	g.POST("/sta/join", s.handleWifiSTAJoin)
	g.POST("/sta/leave", s.handleWifiSTALeave)
	g.GET("/scan", s.handleWifiScan)
	g.POST("/http", s.handleWifiRelay)
	g.GET("/events", s.handleWifiEvents)
	g.POST("/lease", s.handleWifiLease)
}

// radioReady guards against a supervisor started without a radio.
func (s *Server) radioReady(c *gin.Context) bool {
	if s.radio == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "radio controller not available"})
		return false
	}
	return true
}

func (s *Server) handleWifiPing(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	fw, uptime := s.radio.Ping()
	c.JSON(http.StatusOK, gin.H{"ok": true, "fw_version": fw, "uptime": uptime})
}

func (s *Server) handleWifiGetMode(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	info := s.radio.GetMode()
	c.JSON(http.StatusOK, gin.H{"ok": true, "mode": info.Mode, "ssid": info.SSID, "ip": info.IP})
}

type wifiModeRequest struct {
	Mode     string `json:"mode"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleWifiSetMode(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	var req wifiModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Mode == "" {
		protoError(c, "missing mode")
		return
	}
	info, err := s.radio.SetMode(req.Mode, req.SSID, req.Password)
	if err != nil {
		bizError(c, err)
		return
	}
	s.act.Add(actlog.OK, "radio mode set to "+info.Mode)
	c.JSON(http.StatusOK, gin.H{"ok": true, "mode": info.Mode, "ssid": info.SSID, "ip": info.IP})
}

type wifiAPRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	Channel  int    `json:"channel"`
}

func (s *Server) handleWifiAPStart(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	var req wifiAPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.SSID == "" {
		protoError(c, "missing ssid")
		return
	}
	ip, err := s.radio.APStart(req.SSID, req.Password, req.Channel)
	if err != nil {
		bizError(c, err)
		return
	}
	s.act.Add(actlog.OK, "softap started: "+req.SSID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "ip": ip})
}

func (s *Server) handleWifiAPStop(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	s.radio.APStop()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleWifiAPStatus(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	st := s.radio.APState()
	c.JSON(http.StatusOK, gin.H{
		"ok": true, "active": st.Active, "ssid": st.SSID,
		"channel": st.Channel, "stations": st.Stations,
	})
}

type wifiJoinRequest struct {
	SSID     string  `json:"ssid"`
	Password string  `json:"password"`
	Timeout  float64 `json:"timeout"`
}

func (s *Server) handleWifiSTAJoin(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	var req wifiJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.SSID == "" {
		protoError(c, "missing ssid")
		return
	}
	ip, gw, err := s.radio.STAJoin(req.SSID, req.Password, time.Duration(req.Timeout*float64(time.Second)))
	if err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ip": ip, "gateway": gw})
}

func (s *Server) handleWifiSTALeave(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	if err := s.radio.STALeave(); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleWifiScan(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	networks, err := s.radio.Scan()
	if err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "networks": networks})
}

type wifiRelayRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout float64           `json:"timeout"`
}

func (s *Server) handleWifiRelay(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	var req wifiRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.URL == "" {
		protoError(c, "missing url")
		return
	}
	result, err := s.radio.HTTPRelay(req.Method, req.URL, req.Headers,
		req.Body, time.Duration(req.Timeout*float64(time.Second)))
	if err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok": true, "status": result.Status,
		"headers": result.Headers, "body": result.Body,
	})
}

func (s *Server) handleWifiEvents(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	timeout := 0.0
	if v := c.Query("timeout"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			protoError(c, "invalid timeout")
			return
		}
		timeout = f
	}
	events := s.radio.Events(time.Duration(timeout * float64(time.Second)))
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": events})
}

type wifiLeaseRequest struct {
	Action   string `json:"action"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

func (s *Server) handleWifiLease(c *gin.Context) {
	if !s.radioReady(c) {
		return
	}
	var req wifiLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Action == "" || req.MAC == "" {
		protoError(c, "missing action or mac")
		return
	}
	s.radio.HandleLease(req.Action, req.MAC, req.IP, req.Hostname)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
