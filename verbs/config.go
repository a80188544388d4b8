package verbs

// Defaults applied by DefaultConfig and Config.withDefaults.
const (
	DefaultPort          uint8 = 1
	DefaultQPDepth             = 256
	DefaultCQDepth             = 256
	DefaultMaxSGE              = 16
	DefaultMaxInlineData       = 64
	DefaultHandshakePort       = 8392
)

// Config holds the tunables shared by a device and everything created from it.
type Config struct {
	// DeviceName selects the device to open; empty selects the first one.
	DeviceName string
	// Port is the physical port used by queue pairs.
	Port          uint8
	QPDepth       int
	CQDepth       int
	MaxSGE        int
	MaxInlineData int
	// HandshakePort is the default listen port of the connection manager.
	HandshakePort int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Port:          DefaultPort,
		QPDepth:       DefaultQPDepth,
		CQDepth:       DefaultCQDepth,
		MaxSGE:        DefaultMaxSGE,
		MaxInlineData: DefaultMaxInlineData,
		HandshakePort: DefaultHandshakePort,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.QPDepth <= 0 {
		c.QPDepth = d.QPDepth
	}
	if c.CQDepth <= 0 {
		c.CQDepth = d.CQDepth
	}
	if c.MaxSGE <= 0 {
		c.MaxSGE = d.MaxSGE
	}
	if c.MaxInlineData <= 0 {
		c.MaxInlineData = d.MaxInlineData
	}
	if c.HandshakePort <= 0 {
		c.HandshakePort = d.HandshakePort
	}
	return c
}
