package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/xmppircd/gateway/internal/config"
	"github.com/xmppircd/gateway/internal/hub"
	"github.com/xmppircd/gateway/internal/logging"
	"github.com/xmppircd/gateway/internal/session"
)

func main() {
	var cfg config.Config
	config.BindFlags(flag.CommandLine, &cfg)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:   "info",
		File:    cfg.LogFile,
		Console: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx := context.Background()
	h, err := hub.Dial(ctx, hub.Config{
		Server:        cfg.Server,
		ServerPort:    cfg.ServerPort,
		ComponentName: cfg.ComponentName,
		ComponentPass: cfg.ComponentPass,
	}, log)
	if err != nil {
		log.Error("component dial failed: %v", err)
		os.Exit(1)
	}
	go h.Run()

	// give the component connection a moment to settle before accepting
	// IRC clients (spec §5).
	time.Sleep(5 * time.Second)

	if err := acceptLoop(cfg, h, log); err != nil {
		log.Error("accept loop exited: %v", err)
		os.Exit(1)
	}
}

func acceptLoop(cfg config.Config, h *hub.Hub, log *logging.Logger) error {
	addr := net.JoinHostPort("", fmt.Sprintf("%d", cfg.Listen))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	if cfg.TLS {
		cert, err := loadOrGenerateCert(cfg)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	log.Info("listening for IRC clients on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(conn, cfg, h, log)
	}
}

func serveConn(conn net.Conn, cfg config.Config, h *hub.Hub, log *logging.Logger) {
	_, r, err := h.Register(func(bareJID string) hub.Receiver {
		return session.New(conn, h, bareJID, session.Config{
			ServerName:   cfg.ComponentName,
			MUCServer:    cfg.MUCServer,
			ShortChannel: cfg.ShortChannel,
		}, log)
	})
	if err != nil {
		log.Error("register session: %v", err)
		conn.Close()
		return
	}

	r.(*session.Session).Serve()
}

func loadOrGenerateCert(cfg config.Config) (tls.Certificate, error) {
	// DHParamFile, if present, names custom Diffie-Hellman parameters; Go's
	// crypto/tls negotiates its own curve/cipher selection and has no DH
	// param file concept, so this only affects which cert/key pair path we
	// derive deterministically from it (spec SPEC_FULL §1: ambient TLS
	// config, not a feature the original spec governs in this gateway).
	certFile := "xmppircd.pem"
	keyFile := "xmppircd.key"
	if cfg.DHParamFile != "" {
		certFile = cfg.DHParamFile + ".pem"
		keyFile = cfg.DHParamFile + ".key"
	}
	return tls.LoadX509KeyPair(certFile, keyFile)
}
