// Package radio multiplexes the host's own wireless interface between
// two mutually exclusive roles: a test instrument (SoftAP / station /
// scan / HTTP relay, mirroring the dedicated wifi-tester firmware
// command set) and a plain management-network client.
//
// hostapd, dnsmasq and wpa_supplicant run as supervised child
// processes; everything else shells out to ip / iw / wpa_cli.
package radio

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labrack/labrack/pkg/util"
	"github.com/labrack/labrack/pkg/version"
)

// Mode names. WiFi-testing is the default role; serial-interface parks
// the radio on a management network so the serial endpoints stay
// reachable wirelessly.
const (
	ModeWiFiTesting     = "wifi-testing"
	ModeSerialInterface = "serial-interface"
)

// ErrTestingDisabled is returned by instrument operations while the
// radio is in serial-interface mode.
var ErrTestingDisabled = fmt.Errorf("radio: wifi testing disabled (serial-interface mode)")

// Station is a client associated with the SoftAP.
type Station struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

// StationEvent is a connect/disconnect notification for long-polling
// clients.
type StationEvent struct {
	Type     string `json:"type"` // STA_CONNECT or STA_DISCONNECT
	MAC      string `json:"mac"`
	IP       string `json:"ip,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

type apConfig struct {
	ssid     string
	password string
	channel  int
}

// Controller owns the radio state. All mutations are serialised by a
// single mutex.
type Controller struct {
	Iface     string // wireless interface, default wlan0
	APIP      string // SoftAP address, default 192.168.4.1
	DHCPStart string
	DHCPEnd   string
	WorkDir   string // generated configs and logs

	mu sync.Mutex

	mode     string
	modeSSID string

	apActive  bool
	ap        apConfig
	hostapd   *exec.Cmd
	dnsmasq   *exec.Cmd
	staActive bool
	staSSID   string
	wpa       *exec.Cmd
	savedAP   *apConfig

	stations map[string]Station
	events   chan StationEvent

	started time.Time

	// runCmd is swappable for tests.
	runCmd func(timeout time.Duration, name string, args ...string) (string, error)
}

// NewController returns a Controller with defaults filled in.
func NewController(iface string) *Controller {
	if iface == "" {
		iface = "wlan0"
	}
	return &Controller{
		Iface:     iface,
		APIP:      "192.168.4.1",
		DHCPStart: "192.168.4.2",
		DHCPEnd:   "192.168.4.20",
		WorkDir:   "/tmp/labrack-radio",
		mode:      ModeWiFiTesting,
		stations:  make(map[string]Station),
		events:    make(chan StationEvent, 64),
		started:   time.Now(),
		runCmd:    runCommand,
	}
}

func runCommand(timeout time.Duration, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out := &strings.Builder{}
	cmd.Stdout = out
	cmd.Stderr = out
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return "", err
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(timeout):
		cmd.Process.Kill()
		<-done
		return out.String(), fmt.Errorf("radio: %s timed out after %s", name, timeout)
	}
}

// Ping reports the controller version and uptime, the liveness probe of
// the instrument command set.
func (c *Controller) Ping() (fwVersion string, uptime int) {
	return version.Version + "-radio", int(time.Since(c.started).Seconds())
}

// ModeInfo describes the current role.
type ModeInfo struct {
	Mode string `json:"mode"`
	SSID string `json:"ssid,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// GetMode returns the current mode, with the joined SSID and address
// when in serial-interface mode.
func (c *Controller) GetMode() ModeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ModeInfo{Mode: c.mode}
	if c.mode == ModeSerialInterface {
		info.SSID = c.modeSSID
		info.IP = c.currentIPLocked()
	}
	return info
}

// SetMode switches the role. Entering serial-interface mode joins the
// given network; failure reverts to wifi-testing.
func (c *Controller) SetMode(mode, ssid, password string) (ModeInfo, error) {
	if mode != ModeWiFiTesting && mode != ModeSerialInterface {
		return ModeInfo{}, fmt.Errorf("radio: unknown mode %q", mode)
	}

	c.mu.Lock()
	if mode == c.mode {
		c.mu.Unlock()
		return c.GetMode(), nil
	}
	if mode == ModeSerialInterface && ssid == "" {
		c.mu.Unlock()
		return ModeInfo{}, fmt.Errorf("radio: ssid required for serial-interface mode")
	}
	c.stopAllLocked()
	c.mode = mode
	if mode == ModeSerialInterface {
		c.modeSSID = ssid
	} else {
		c.modeSSID = ""
	}
	c.mu.Unlock()

	if mode == ModeSerialInterface {
		if _, _, err := c.staJoin(ssid, password, 15*time.Second, true); err != nil {
			c.mu.Lock()
			c.mode = ModeWiFiTesting
			c.modeSSID = ""
			c.mu.Unlock()
			return ModeInfo{}, err
		}
	}
	return c.GetMode(), nil
}

func (c *Controller) checkTestingMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeWiFiTesting {
		return ErrTestingDisabled
	}
	return nil
}

// APStart brings up the SoftAP with hostapd + dnsmasq. Anything already
// running on the interface is stopped first.
func (c *Controller) APStart(ssid, password string, channel int) (string, error) {
	if err := c.checkTestingMode(); err != nil {
		return "", err
	}
	if ssid == "" {
		return "", fmt.Errorf("radio: ssid required")
	}
	if channel == 0 {
		channel = 6
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopAllLocked()
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return "", fmt.Errorf("radio: work dir: %w", err)
	}

	hostapdConf := filepath.Join(c.WorkDir, "hostapd.conf")
	if err := os.WriteFile(hostapdConf, []byte(c.hostapdConfig(ssid, password, channel)), 0600); err != nil {
		return "", fmt.Errorf("radio: write hostapd config: %w", err)
	}
	dnsmasqConf := filepath.Join(c.WorkDir, "dnsmasq.conf")
	if err := os.WriteFile(dnsmasqConf, []byte(c.dnsmasqConfig()), 0600); err != nil {
		return "", fmt.Errorf("radio: write dnsmasq config: %w", err)
	}

	c.releaseIfaceLocked()
	c.runCmd(5*time.Second, "ip", "addr", "add", c.APIP+"/24", "dev", c.Iface)
	c.runCmd(5*time.Second, "ip", "link", "set", c.Iface, "up")

	hostapd, err := startChild("hostapd", hostapdConf)
	if err != nil {
		return "", fmt.Errorf("radio: start hostapd: %w", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if !childAlive(hostapd) {
		return "", fmt.Errorf("radio: hostapd exited during startup")
	}

	dnsmasq, err := startChild("dnsmasq", "-C", dnsmasqConf)
	if err != nil {
		stopChild(hostapd)
		return "", fmt.Errorf("radio: start dnsmasq: %w", err)
	}
	time.Sleep(500 * time.Millisecond)
	if !childAlive(dnsmasq) {
		stopChild(hostapd)
		return "", fmt.Errorf("radio: dnsmasq exited during startup")
	}

	c.hostapd = hostapd
	c.dnsmasq = dnsmasq
	c.apActive = true
	c.ap = apConfig{ssid: ssid, password: password, channel: channel}
	c.stations = make(map[string]Station)

	util.Logger.Infof("radio: ap started ssid=%s channel=%d ip=%s", ssid, channel, c.APIP)
	return c.APIP, nil
}

// APStop tears down the SoftAP. Idempotent.
func (c *Controller) APStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apStopLocked()
}

func (c *Controller) apStopLocked() {
	stopChild(c.dnsmasq)
	c.dnsmasq = nil
	stopChild(c.hostapd)
	c.hostapd = nil

	c.apActive = false
	c.ap = apConfig{}
	c.stations = make(map[string]Station)
	c.runCmd(5*time.Second, "ip", "addr", "flush", "dev", c.Iface)
}

// APStatus describes the SoftAP and its associated stations.
type APStatus struct {
	Active   bool      `json:"active"`
	SSID     string    `json:"ssid,omitempty"`
	Channel  int       `json:"channel,omitempty"`
	Stations []Station `json:"stations"`
}

// APState returns the current SoftAP status.
func (c *Controller) APState() APStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := APStatus{Active: c.apActive, Stations: []Station{}}
	if c.apActive {
		st.SSID = c.ap.ssid
		st.Channel = c.ap.channel
		for _, s := range c.stations {
			st.Stations = append(st.Stations, s)
		}
	}
	return st
}

// STAJoin associates with a network as a station. An active SoftAP
// configuration is saved so STALeave can restore it.
func (c *Controller) STAJoin(ssid, password string, timeout time.Duration) (ip, gateway string, err error) {
	if err := c.checkTestingMode(); err != nil {
		return "", "", err
	}
	return c.staJoin(ssid, password, timeout, false)
}

func (c *Controller) staJoin(ssid, password string, timeout time.Duration, internal bool) (string, string, error) {
	if ssid == "" {
		return "", "", fmt.Errorf("radio: ssid required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.apActive && !internal {
		saved := c.ap
		c.savedAP = &saved
	} else if !internal {
		c.savedAP = nil
	}
	c.stopAllLocked()

	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return "", "", fmt.Errorf("radio: work dir: %w", err)
	}
	wpaConf := filepath.Join(c.WorkDir, "wpa_supplicant.conf")
	if err := os.WriteFile(wpaConf, []byte(wpaConfig(ssid, password)), 0600); err != nil {
		return "", "", fmt.Errorf("radio: write wpa config: %w", err)
	}

	c.releaseIfaceLocked()
	c.runCmd(5*time.Second, "ip", "link", "set", c.Iface, "up")

	wpa, err := startChild("wpa_supplicant", "-i", c.Iface, "-c", wpaConf)
	if err != nil {
		return "", "", fmt.Errorf("radio: start wpa_supplicant: %w", err)
	}
	c.wpa = wpa

	// Poll association state through wpa_cli.
	deadline := time.Now().Add(timeout)
	connected := false
	for time.Now().Before(deadline) {
		out, _ := c.runCmd(3*time.Second, "wpa_cli", "-i", c.Iface, "status")
		if strings.Contains(out, "wpa_state=COMPLETED") {
			connected = true
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if !connected {
		c.staStopLocked()
		return "", "", fmt.Errorf("radio: failed to connect to %q within %s", ssid, timeout)
	}

	// DHCP: dhcpcd on current Raspberry Pi OS, dhclient elsewhere.
	if _, err := c.runCmd(timeout, "dhcpcd", "-1", "-4", c.Iface); err != nil {
		c.runCmd(timeout, "dhclient", "-1", c.Iface)
	}

	var ip string
	addrDeadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(addrDeadline) {
		ip = c.currentIPLocked()
		if ip != "" {
			break
		}
		time.Sleep(1 * time.Second)
	}
	if ip == "" {
		c.staStopLocked()
		return "", "", fmt.Errorf("radio: connected to %q but no address obtained", ssid)
	}

	gateway := ""
	if out, err := c.runCmd(5*time.Second, "ip", "route", "show", "dev", c.Iface); err == nil {
		if m := regexp.MustCompile(`default via (\d+\.\d+\.\d+\.\d+)`).FindStringSubmatch(out); m != nil {
			gateway = m[1]
		}
	}

	c.staActive = true
	c.staSSID = ssid
	util.Logger.Infof("radio: sta joined ssid=%s ip=%s gw=%s", ssid, ip, gateway)
	return ip, gateway, nil
}

// STALeave disconnects the station, restoring the SoftAP that was
// active before STAJoin. Idempotent.
func (c *Controller) STALeave() error {
	c.mu.Lock()
	c.staStopLocked()
	saved := c.savedAP
	c.savedAP = nil
	c.mu.Unlock()

	if saved != nil {
		_, err := c.APStart(saved.ssid, saved.password, saved.channel)
		return err
	}
	return nil
}

func (c *Controller) staStopLocked() {
	stopChild(c.wpa)
	c.wpa = nil
	c.runCmd(5*time.Second, "pkill", "-f", "wpa_supplicant.*"+c.Iface)
	os.Remove("/var/run/wpa_supplicant/" + c.Iface)
	c.runCmd(5*time.Second, "dhcpcd", "--release", c.Iface)
	c.runCmd(5*time.Second, "ip", "addr", "flush", "dev", c.Iface)
	c.staActive = false
	c.staSSID = ""
}

func (c *Controller) stopAllLocked() {
	c.apStopLocked()
	c.staStopLocked()
}

// HandleLease ingests a DHCP lease notification from dnsmasq's lease
// script, updating station tracking and the event queue.
func (c *Controller) HandleLease(action, mac, ip, hostname string) {
	mac = strings.ToLower(mac)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case "add", "old":
		c.stations[mac] = Station{MAC: mac, IP: ip, Hostname: hostname}
		c.pushEventLocked(StationEvent{Type: "STA_CONNECT", MAC: mac, IP: ip, Hostname: hostname})
		util.Logger.Infof("radio: station connected mac=%s ip=%s", mac, ip)
	case "del":
		delete(c.stations, mac)
		c.pushEventLocked(StationEvent{Type: "STA_DISCONNECT", MAC: mac})
		util.Logger.Infof("radio: station disconnected mac=%s", mac)
	}
}

// pushEventLocked enqueues without blocking; the oldest event is dropped
// when the queue is full.
func (c *Controller) pushEventLocked(ev StationEvent) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		c.events <- ev
	}
}

// Events drains the queue. With a positive timeout it long-polls for the
// first event before draining the rest.
func (c *Controller) Events(timeout time.Duration) []StationEvent {
	out := []StationEvent{}
	if timeout > 0 {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		case <-time.After(timeout):
			return out
		}
	}
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Shutdown stops every child process and resets to wifi-testing mode.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAllLocked()
	c.mode = ModeWiFiTesting
	c.modeSSID = ""
	util.Logger.Info("radio: controller shut down")
}

// currentIPLocked reads the interface's IPv4 address.
func (c *Controller) currentIPLocked() string {
	out, err := c.runCmd(5*time.Second, "ip", "-4", "addr", "show", c.Iface)
	if err != nil {
		return ""
	}
	if m := regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)`).FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// releaseIfaceLocked wrests the interface from any other supplicant and
// bounces it to a clean state.
func (c *Controller) releaseIfaceLocked() {
	c.runCmd(5*time.Second, "pkill", "-f", "wpa_supplicant.*"+c.Iface)
	os.Remove("/var/run/wpa_supplicant/" + c.Iface)
	c.runCmd(5*time.Second, "ip", "link", "set", c.Iface, "down")
	time.Sleep(200 * time.Millisecond)
	c.runCmd(5*time.Second, "ip", "link", "set", c.Iface, "up")
	c.runCmd(5*time.Second, "ip", "addr", "flush", "dev", c.Iface)
}

func (c *Controller) hostapdConfig(ssid, password string, channel int) string {
	lines := []string{
		"interface=" + c.Iface,
		"driver=nl80211",
		"ssid=" + ssid,
		"hw_mode=g",
		fmt.Sprintf("channel=%d", channel),
		"wmm_enabled=0",
		"macaddr_acl=0",
		"auth_algs=1",
		"ignore_broadcast_ssid=0",
	}
	if password != "" {
		lines = append(lines,
			"wpa=2",
			"wpa_key_mgmt=WPA-PSK",
			"wpa_passphrase="+password,
			"rsn_pairwise=CCMP",
		)
	}
	return strings.Join(lines, "\n") + "\n"
}

func (c *Controller) dnsmasqConfig() string {
	lines := []string{
		"interface=" + c.Iface,
		"bind-interfaces",
		fmt.Sprintf("dhcp-range=%s,%s,255.255.255.0,1h", c.DHCPStart, c.DHCPEnd),
		"dhcp-leasefile=" + filepath.Join(c.WorkDir, "dnsmasq.leases"),
		"no-resolv",
		"no-daemon",
		"log-dhcp",
	}
	if script := "/usr/local/bin/labrack-lease-notify.sh"; fileExists(script) {
		lines = append(lines, "dhcp-script="+script)
	}
	return strings.Join(lines, "\n") + "\n"
}

func wpaConfig(ssid, password string) string {
	if password != "" {
		return fmt.Sprintf("ctrl_interface=/var/run/wpa_supplicant\nnetwork={\n\tssid=%q\n\tpsk=%q\n}\n", ssid, password)
	}
	return fmt.Sprintf("ctrl_interface=/var/run/wpa_supplicant\nnetwork={\n\tssid=%q\n\tkey_mgmt=NONE\n}\n", ssid)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// startChild launches a radio daemon in its own process group with
// output discarded.
func startChild(name string, args ...string) (*exec.Cmd, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait()
	return cmd, nil
}

func childAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return syscall.Kill(cmd.Process.Pid, 0) == nil
}

// stopChild terminates a child, SIGKILL if it ignores SIGTERM.
func stopChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if syscall.Kill(-pid, syscall.SIGTERM) != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}
