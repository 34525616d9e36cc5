// Package config holds the gateway's runtime configuration and its binding
// to CLI flags.
package config

import (
	"flag"
	"fmt"
)

// Config is the full set of settings needed to run the gateway. CLI flag
// parsing itself is an external collaborator (spec §1); this package owns
// only the result type and its defaults.
type Config struct {
	// Listen is the local TCP port IRC clients connect to.
	Listen int
	// Server is the XMPP server hostname the component connects to.
	Server string
	// ServerPort is the XMPP server's component port.
	ServerPort int
	// MUCServer is the MUC service JID (e.g. conference.example.org).
	MUCServer string
	// ComponentName is this component's JID as registered with the server.
	ComponentName string
	// ComponentPass is the shared secret used in the XEP-0114 handshake.
	ComponentPass string
	// TLS enables TLS on the IRC listener.
	TLS bool
	// DHParamFile, if set, is the base path of the TLS certificate and key
	// (<DHParamFile>.pem and <DHParamFile>.key). Its contents are not read
	// as Diffie-Hellman parameters.
	DHParamFile string
	// Daemonize detaches the process after startup.
	Daemonize bool
	// LogFile is the path log output is appended to; empty means stderr only.
	LogFile string
	// ShortChannel enables short-channel mode: IRC channel names omit the
	// "@<muc_server>" suffix, which is appended internally (spec §4.1).
	ShortChannel bool
}

// Default returns a Config populated with the original program's defaults.
func Default() Config {
	return Config{
		Listen:     6667,
		ServerPort: 5347,
	}
}

// BindFlags registers cfg's fields on fs, mirroring the CLI surface named in
// spec §6 (-p/--port, -s/--server, -P/--server-port, -m/--muc-server,
// -c/--component-name, -C/--component-pass, --ssl, --dh, -d/--daemonize,
// --log). flag does not support the "-x, --long" dual-alias style of getopt,
// so the long and short forms are registered as separate flags sharing one
// destination, matching how both spellings bind the same variable in the
// original.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	*cfg = Default()

	portFlag := func(name string) {
		fs.IntVar(&cfg.Listen, name, cfg.Listen, "local IRC listen port")
	}
	portFlag("p")
	portFlag("port")

	serverFlag := func(name string) {
		fs.StringVar(&cfg.Server, name, cfg.Server, "XMPP server hostname")
	}
	serverFlag("s")
	serverFlag("server")

	serverPortFlag := func(name string) {
		fs.IntVar(&cfg.ServerPort, name, cfg.ServerPort, "XMPP component port")
	}
	serverPortFlag("P")
	serverPortFlag("server-port")

	mucFlag := func(name string) {
		fs.StringVar(&cfg.MUCServer, name, cfg.MUCServer, "MUC service JID")
	}
	mucFlag("m")
	mucFlag("muc-server")

	nameFlag := func(name string) {
		fs.StringVar(&cfg.ComponentName, name, cfg.ComponentName, "component JID")
	}
	nameFlag("c")
	nameFlag("component-name")

	passFlag := func(name string) {
		fs.StringVar(&cfg.ComponentPass, name, cfg.ComponentPass, "component shared secret")
	}
	passFlag("C")
	passFlag("component-pass")

	fs.BoolVar(&cfg.TLS, "ssl", cfg.TLS, "enable TLS on the IRC listener")
	fs.StringVar(&cfg.DHParamFile, "dh", cfg.DHParamFile, "base path of the TLS cert/key pair (<path>.pem, <path>.key)")

	daemonFlag := func(name string) {
		fs.BoolVar(&cfg.Daemonize, name, cfg.Daemonize, "daemonize after startup")
	}
	daemonFlag("d")
	daemonFlag("daemonize")

	fs.StringVar(&cfg.LogFile, "log", cfg.LogFile, "log file path (stderr if empty)")
	fs.BoolVar(&cfg.ShortChannel, "short-channel", cfg.ShortChannel, "omit @muc_server suffix on channel names")
}

// Validate checks that the required fields for startup are present, as the
// original's usage() printout does.
func (c Config) Validate() error {
	var missing []string
	if c.Server == "" {
		missing = append(missing, "-s/--server")
	}
	if c.MUCServer == "" {
		missing = append(missing, "-m/--muc-server")
	}
	if c.ComponentName == "" {
		missing = append(missing, "-c/--component-name")
	}
	if c.ComponentPass == "" {
		missing = append(missing, "-C/--component-pass")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required options: %v", missing)
	}
	return nil
}
