package radio

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Network is one scan result.
type Network struct {
	SSID string `json:"ssid"`
	RSSI int    `json:"rssi"`
	Auth string `json:"auth"`
}

// Scan surveys nearby networks with iw, strongest first.
func (c *Controller) Scan() ([]Network, error) {
	if err := c.checkTestingMode(); err != nil {
		return nil, err
	}
	c.runCmd(5*time.Second, "ip", "link", "set", c.Iface, "up")
	out, err := c.runCmd(15*time.Second, "iw", "dev", c.Iface, "scan", "-u")
	if err != nil {
		// A busy radio produces partial output; parse what we got.
		if out == "" {
			return []Network{}, nil
		}
	}
	return ParseScan(out), nil
}

var signalRe = regexp.MustCompile(`(-?\d+\.?\d*)`)

// ParseScan extracts networks from `iw dev <if> scan` output. Entries
// without an SSID (hidden networks) are dropped.
func ParseScan(out string) []Network {
	var networks []Network
	var current *Network

	flush := func() {
		if current != nil && current.SSID != "" {
			networks = append(networks, *current)
		}
		current = nil
	}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "BSS "):
			flush()
			current = &Network{Auth: "OPEN"}
		case current == nil:
			continue
		case strings.HasPrefix(line, "SSID:"):
			current.SSID = strings.TrimSpace(line[len("SSID:"):])
		case strings.HasPrefix(line, "signal:"):
			if m := signalRe.FindString(line); m != "" {
				if f, err := strconv.ParseFloat(m, 64); err == nil {
					current.RSSI = int(f)
				}
			}
		case strings.Contains(line, "RSN"):
			current.Auth = "WPA2"
		case strings.Contains(line, "WPA"):
			if current.Auth == "OPEN" {
				current.Auth = "WPA"
			}
		case strings.Contains(line, "WEP"):
			current.Auth = "WEP"
		}
	}
	flush()

	sort.SliceStable(networks, func(i, j int) bool { return networks[i].RSSI > networks[j].RSSI })
	return networks
}
