package radio

import (
	"strings"
	"testing"
	"time"
)

// quietController returns a controller whose shell-outs are stubbed.
func quietController() *Controller {
	c := NewController("wlan-test")
	c.runCmd = func(timeout time.Duration, name string, args ...string) (string, error) {
		return "", nil
	}
	return c
}

func TestPing(t *testing.T) {
	c := quietController()
	fw, uptime := c.Ping()
	if fw == "" {
		t.Error("empty firmware version")
	}
	if uptime < 0 {
		t.Errorf("uptime = %d", uptime)
	}
}

func TestModeValidation(t *testing.T) {
	c := quietController()

	if _, err := c.SetMode("bogus", "", ""); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := c.SetMode(ModeSerialInterface, "", ""); err == nil {
		t.Error("serial-interface mode without ssid accepted")
	}
	if info := c.GetMode(); info.Mode != ModeWiFiTesting {
		t.Errorf("mode = %s, want wifi-testing default", info.Mode)
	}

	// Setting the current mode again is a no-op.
	if info, err := c.SetMode(ModeWiFiTesting, "", ""); err != nil || info.Mode != ModeWiFiTesting {
		t.Errorf("idempotent set failed: %v %v", info, err)
	}
}

func TestHandleLeaseAndEvents(t *testing.T) {
	c := quietController()

	c.HandleLease("add", "AA:BB:CC:00:11:22", "192.168.4.7", "esp32")
	c.HandleLease("del", "AA:BB:CC:00:11:22", "", "")

	events := c.Events(0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != "STA_CONNECT" || events[0].MAC != "aa:bb:cc:00:11:22" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].IP != "192.168.4.7" || events[0].Hostname != "esp32" {
		t.Errorf("lease details lost: %+v", events[0])
	}
	if events[1].Type != "STA_DISCONNECT" {
		t.Errorf("second event = %+v", events[1])
	}

	// Queue is drained.
	if rest := c.Events(0); len(rest) != 0 {
		t.Errorf("queue not drained: %v", rest)
	}
}

func TestEventsLongPollTimeout(t *testing.T) {
	c := quietController()

	start := time.Now()
	events := c.Events(100 * time.Millisecond)
	if len(events) != 0 {
		t.Errorf("got events from an empty queue: %v", events)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("long-poll returned after %s, before the timeout", elapsed)
	}
}

func TestEventsLongPollWake(t *testing.T) {
	c := quietController()

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.HandleLease("add", "aa:aa:aa:aa:aa:aa", "192.168.4.2", "")
	}()

	events := c.Events(2 * time.Second)
	if len(events) != 1 || events[0].Type != "STA_CONNECT" {
		t.Errorf("long-poll result = %v", events)
	}
}

func TestEventQueueDropsOldestWhenFull(t *testing.T) {
	c := quietController()
	for i := 0; i < cap(c.events)+10; i++ {
		c.HandleLease("add", "aa:bb:cc:dd:ee:ff", "192.168.4.2", "")
	}
	events := c.Events(0)
	if len(events) != cap(c.events) {
		t.Errorf("queue held %d events, want cap %d", len(events), cap(c.events))
	}
}

func TestAPStateWhenInactive(t *testing.T) {
	c := quietController()
	st := c.APState()
	if st.Active {
		t.Error("fresh controller reports active AP")
	}
	if st.Stations == nil {
		t.Error("stations must be an empty list, not null")
	}
}

func TestAPStopIdempotent(t *testing.T) {
	c := quietController()
	c.APStop()
	c.APStop()
	if c.APState().Active {
		t.Error("AP active after stop")
	}
}

func TestSTALeaveWithoutJoin(t *testing.T) {
	c := quietController()
	if err := c.STALeave(); err != nil {
		t.Errorf("STALeave on idle controller: %v", err)
	}
}

func TestWpaConfig(t *testing.T) {
	conf := wpaConfig("lab-net", "secret")
	for _, want := range []string{"ctrl_interface=", `ssid="lab-net"`, `psk="secret"`} {
		if !strings.Contains(conf, want) {
			t.Errorf("wpa config missing %q:\n%s", want, conf)
		}
	}

	open := wpaConfig("open-net", "")
	if !strings.Contains(open, "key_mgmt=NONE") {
		t.Errorf("open network config missing key_mgmt=NONE:\n%s", open)
	}
}

func TestHostapdConfig(t *testing.T) {
	c := quietController()

	conf := c.hostapdConfig("lab-ap", "pw123456", 11)
	for _, want := range []string{"interface=wlan-test", "ssid=lab-ap", "channel=11", "wpa_passphrase=pw123456", "wpa=2"} {
		if !strings.Contains(conf, want) {
			t.Errorf("hostapd config missing %q", want)
		}
	}

	open := c.hostapdConfig("open-ap", "", 6)
	if strings.Contains(open, "wpa=2") {
		t.Error("open AP config must not enable WPA")
	}
}
