package rack

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the daemon settings. The file is optional; a missing
// file yields pure defaults.
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`    // control surface bind address
	UDPLogPort int    `yaml:"udp_log_port"` // device log sink, 0 disables

	ProxyExe  string `yaml:"proxy_exe"`  // RFC2217 proxy script path
	PythonExe string `yaml:"python_exe"` // interpreter for the proxy

	SlotsFile   string `yaml:"slots_file"`   // slot configuration (JSON)
	PairingFile string `yaml:"pairing_file"` // client-VM pairing (KEY=VALUE)

	GPIOChip string `yaml:"gpio_chip"` // GPIO character device

	RedisAddr   string `yaml:"redis_addr"`   // optional activity-log mirror
	RedisStream string `yaml:"redis_stream"` // stream name for the mirror

	SysUSBDriver  string `yaml:"sys_usb_driver"`  // usb driver bind/unbind dir
	SysUSBDevices string `yaml:"sys_usb_devices"` // usb device attribute dir
	DevDir        string `yaml:"dev_dir"`         // serial device node dir

	UdevadmPath string `yaml:"udevadm_path"`
}

// DefaultConfigFile is consulted when no --config flag is given.
const DefaultConfigFile = "/etc/labrack/config.yaml"

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:      ":8080",
		UDPLogPort:    5555,
		ProxyExe:      "/usr/local/bin/rfc2217_server.py",
		PythonExe:     "python3",
		SlotsFile:     "/etc/rfc2217/slots.json",
		PairingFile:   "/etc/labrack/vm.conf",
		GPIOChip:      "/dev/gpiochip0",
		RedisStream:   "labrack:activity",
		SysUSBDriver:  "/sys/bus/usb/drivers/usb",
		SysUSBDevices: "/sys/bus/usb/devices",
		DevDir:        "/dev",
		UdevadmPath:   "udevadm",
	}
}

// LoadConfig reads path (or the default location when path is empty) and
// merges it over the defaults. A missing file is not an error. The
// LABRACK_SLOTS environment variable overrides the slot file path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("rack: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("rack: parse config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LABRACK_SLOTS"); v != "" {
		cfg.SlotsFile = v
	}
}
