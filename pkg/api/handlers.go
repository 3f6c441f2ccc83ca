package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/labrack/labrack/pkg/rack"
	"github.com/labrack/labrack/pkg/util"
)

// devicesResponse is the /api/devices projection.
type devicesResponse struct {
	OK       bool        `json:"ok"`
	Slots    []rack.Info `json:"slots"`
	HostIP   string      `json:"host_ip"`
	Hostname string      `json:"hostname"`
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, devicesResponse{
		OK:       true,
		Slots:    s.sup.Snapshot(),
		HostIP:   s.sup.HostIP(),
		Hostname: s.sup.Hostname(),
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	sum := s.sup.Info()
	resp := gin.H{
		"ok":       true,
		"slots":    sum.Slots,
		"present":  sum.Present,
		"running":  sum.Running,
		"flapping": sum.Flapping,
		"host_ip":  sum.HostIP,
		"hostname": sum.Hostname,
	}
	if up, err := host.Uptime(); err == nil {
		resp["uptime"] = up
	}
	if avg, err := load.Avg(); err == nil {
		resp["load1"] = avg.Load1
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDiscover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "devices": s.sup.Discover()})
}

func (s *Server) handleHotplug(c *gin.Context) {
	var ev rack.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		protoError(c, "invalid request body")
		return
	}
	result, err := s.sup.Ingest(ev)
	if err != nil {
		protoError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

type slotRequest struct {
	Slot    string `json:"slot"`
	SlotKey string `json:"slot_key"`
	Devnode string `json:"devnode"`
}

// ref accepts both the {slot} and {slot_key} spellings.
func (r slotRequest) ref() string {
	if r.Slot != "" {
		return r.Slot
	}
	return r.SlotKey
}

// bindSlot decodes a slot-addressed request; nil with a 400 already
// written when the request is unusable.
func (s *Server) bindSlot(c *gin.Context) (*slotRequest, bool) {
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return nil, false
	}
	if req.ref() == "" {
		protoError(c, "missing slot")
		return nil, false
	}
	if s.sup.Lookup(req.ref()) == nil {
		protoError(c, "unknown slot "+req.ref())
		return nil, false
	}
	return &req, true
}

func (s *Server) handleStart(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	if err := s.sup.StartProxy(req.ref(), req.Devnode); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStop(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	if err := s.sup.StopProxy(req.ref()); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSerialReset(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	lines, err := s.sup.SerialReset(req.ref())
	if err != nil {
		bizError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "output": lines})
}

type monitorRequest struct {
	Slot    string  `json:"slot"`
	Pattern string  `json:"pattern"`
	Timeout float64 `json:"timeout"`
}

func (s *Server) handleSerialMonitor(c *gin.Context) {
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Slot == "" {
		protoError(c, "missing slot")
		return
	}
	if s.sup.Lookup(req.Slot) == nil {
		protoError(c, "unknown slot "+req.Slot)
		return
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lines, matched, err := s.sup.SerialMonitor(req.Slot, req.Pattern, timeout)
	if err != nil {
		bizError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "output": lines, "matched": matched})
}

func (s *Server) handleSerialRecover(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	if err := s.sup.Recover(req.ref()); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSerialRelease(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	if err := s.sup.Release(req.ref()); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleLog(c *gin.Context) {
	since := time.Time{}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			t, err = time.Parse(time.RFC3339Nano, v)
		}
		if err != nil {
			protoError(c, "invalid since timestamp")
			return
		}
		since = t
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "entries": s.act.Since(since)})
}

type humanRequest struct {
	Message string  `json:"message"`
	Timeout float64 `json:"timeout"`
}

func (s *Server) handleHumanRequest(c *gin.Context) {
	var req humanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Message == "" {
		protoError(c, "missing message")
		return
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	confirmed, timedOut, err := s.sup.Rendezvous().Request(req.Message, timeout)
	if errors.Is(err, util.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "human interaction already pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "confirmed": confirmed, "timeout": timedOut})
}

func (s *Server) handleHumanStatus(c *gin.Context) {
	pending, message := s.sup.Rendezvous().Status()
	c.JSON(http.StatusOK, gin.H{"ok": true, "pending": pending, "message": message})
}

func (s *Server) handleHumanDone(c *gin.Context) {
	if !s.sup.Rendezvous().Resolve(true) {
		bizError(c, errors.New("no human interaction pending"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleHumanCancel(c *gin.Context) {
	if !s.sup.Rendezvous().Resolve(false) {
		bizError(c, errors.New("no human interaction pending"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type pairRequest struct {
	Host string `json:"host"`
	User string `json:"user"`
}

func (s *Server) handlePairTest(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Host == "" {
		protoError(c, "missing host")
		return
	}
	out, err := s.sup.PairTest(req.Host, req.User)
	if err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": out})
}

func (s *Server) handlePairSetup(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protoError(c, "invalid request body")
		return
	}
	if req.Host == "" {
		protoError(c, "missing host")
		return
	}
	if err := s.sup.PairSetup(req.Host, req.User); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePairStatus(c *gin.Context) {
	p := s.sup.PairStatus()
	c.JSON(http.StatusOK, gin.H{"ok": true, "vm_host": p.Host, "vm_user": p.User})
}

func (s *Server) handlePairDisconnect(c *gin.Context) {
	if err := s.sup.PairDisconnect(); err != nil {
		bizError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
