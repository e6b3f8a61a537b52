package ssl

import (
	"crypto/tls"
	"net"
	"strconv"
)

// EngineFactory creates an engine for a peer. peerHost is empty for
// server-side engines.
type EngineFactory func(cfg *tls.Config, peerHost string, peerPort int, client bool) Engine

// EngineConfigurator creates and configures engines for one side of a
// connection.
type EngineConfigurator struct {
	Config     *tls.Config
	Client     bool
	NeedAuth   bool
	WantAuth   bool
	ServerName string
	// Factory overrides engine creation. Nil selects TLSEngine.
	Factory EngineFactory
}

// NewServerConfigurator returns a configurator for accepted connections.
// NeedAuth and WantAuth follow cfg.ClientAuth.
func NewServerConfigurator(cfg *tls.Config) *EngineConfigurator {
	c := &EngineConfigurator{Config: cfg}
	if cfg != nil {
		switch cfg.ClientAuth {
		case tls.RequireAnyClientCert, tls.RequireAndVerifyClientCert:
			c.NeedAuth = true
		case tls.RequestClientCert, tls.VerifyClientCertIfGiven:
			c.WantAuth = true
		}
	}
	return c
}

// NewClientConfigurator returns a configurator for outgoing connections.
func NewClientConfigurator(cfg *tls.Config, serverName string) *EngineConfigurator {
	return &EngineConfigurator{Config: cfg, Client: true, ServerName: serverName}
}

// CreateEngine returns a configured engine. For client engines peerHost
// is the SNI hint when ServerName is empty.
func (c *EngineConfigurator) CreateEngine(peerHost string, peerPort int) Engine {
	var e Engine
	if c.Factory != nil {
		e = c.Factory(c.Config, peerHost, peerPort, c.Client)
	} else {
		name := c.ServerName
		if name == "" {
			name = peerHost
		}
		e = NewTLSEngine(c.Config, name, c.Client)
	}
	c.Configure(e)
	return e
}

// Configure applies mode and client auth settings to e.
func (c *EngineConfigurator) Configure(e Engine) {
	e.SetClientMode(c.Client)
	if c.Client {
		return
	}
	switch {
	case c.NeedAuth:
		e.SetNeedClientAuth(true)
	case c.WantAuth:
		e.SetWantClientAuth(true)
	default:
		e.SetNeedClientAuth(false)
		e.SetWantClientAuth(false)
	}
}

// Copy returns an independent copy. The tls.Config is cloned.
func (c *EngineConfigurator) Copy() *EngineConfigurator {
	cp := *c
	if c.Config != nil {
		cp.Config = c.Config.Clone()
	}
	return &cp
}

// peerHostPort splits addr into host and port; unknown parts are zero.
func peerHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
