// Package server wires a loaded config into a running turnd instance: the
// router, the protocol processor, the UDP socket loop, the optional fabric
// client or hub, and the control socket. cmd/turnd's "run" command is a
// thin shell around this package.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/kuuji/turnd/internal/config"
	"github.com/kuuji/turnd/internal/control"
	"github.com/kuuji/turnd/internal/fabric"
	"github.com/kuuji/turnd/internal/processor"
	"github.com/kuuji/turnd/internal/router"
	"github.com/kuuji/turnd/internal/turnaddr"
)

// selfIndex is the fabric mark this instance announces on connect. The
// hub assigns the authoritative index by connection order and never
// consults the announced value for routing, so any fixed placeholder is
// correct here; see DESIGN.md.
const selfIndex uint8 = 0

// Server is one running turnd instance: a UDP relay socket, its protocol
// state, and the optional fabric and control-socket sidecars.
type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	router *router.Router
	proc   *processor.Processor

	conn    *net.UDPConn
	fab     *fabric.Client
	hub     *fabric.Hub
	hubSrv  *http.Server
	control *control.Server

	started time.Time
}

// New builds a Server from a loaded config. It performs no I/O: sockets
// are opened by Run.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	external, err := parseHostIP(cfg.Server.External)
	if err != nil {
		return nil, fmt.Errorf("parsing server.external %q: %w", cfg.Server.External, err)
	}

	routerCfg := router.Config{
		PortLo:             cfg.Server.PortRange.Lo,
		PortHi:             cfg.Server.PortRange.Hi,
		PermissionLifetime: time.Duration(cfg.Server.Lifetimes.PermissionSeconds) * time.Second,
		AllocationDefault:  time.Duration(cfg.Server.Lifetimes.AllocationDefaultSeconds) * time.Second,
		AllocationMax:      time.Duration(cfg.Server.Lifetimes.AllocationMaxSeconds) * time.Second,
	}
	r := router.New(selfIndex, routerCfg)

	creds := make(processor.Credentials, len(cfg.Users))
	for _, u := range cfg.Users {
		creds[u.Username] = u.Password
	}

	s := &Server{cfg: cfg, log: log, router: r}

	procCfg := processor.Config{
		Realm:    cfg.Server.Realm,
		External: external,
		Software: cfg.Server.Software,
	}
	s.proc = processor.New(r, nil, procCfg, creds, log)

	if cfg.Fabric.Proxy != "" {
		s.fab = fabric.NewClient(fabric.ClientConfig{
			ServerURL:    cfg.Fabric.Proxy,
			SelfIndex:    selfIndex,
			External:     turnaddr.New(external, 0),
			SendDeadline: time.Duration(cfg.Fabric.SendDeadlineSeconds) * time.Second,
			Observer:     s.proc,
			Logger:       log,
			Reconnect: fabric.ReconnectConfig{
				Enabled:      true,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
		})
		s.proc.SetFabric(s.fab)
	}

	if cfg.Fabric.Bind != "" {
		s.hub = fabric.NewHub(log)
	}

	return s, nil
}

// Run opens the UDP relay socket (and, if configured, the fabric
// connections and control socket) and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, controlSocketPath string) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("resolving server.bind %q: %w", s.cfg.Server.Bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Server.Bind, err)
	}
	s.conn = conn
	defer conn.Close()

	s.proc.SetDeliver(func(out processor.Outbound) { s.writeOutbound(conn, out) })

	s.started = time.Now()

	if s.fab != nil {
		if err := s.fab.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to fabric proxy %s: %w", s.cfg.Fabric.Proxy, err)
		}
		defer s.fab.Close()
		s.log.Info("fabric client connected", "proxy", s.cfg.Fabric.Proxy)
	}

	if s.hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/", s.hub)
		s.hubSrv = &http.Server{Addr: s.cfg.Fabric.Bind, Handler: mux}
		go func() {
			if err := s.hubSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("fabric hub server error", "error", err)
			}
		}()
		defer s.hub.Close()
		s.log.Info("fabric hub listening", "bind", s.cfg.Fabric.Bind)
	}

	if controlSocketPath != "" {
		s.control = control.NewServer(controlSocketPath, s.status, s.log)
		if err := s.control.Start(); err != nil {
			return fmt.Errorf("starting control server: %w", err)
		}
		defer s.control.Stop()
	}

	reaperInterval := time.Duration(s.cfg.Server.Lifetimes.ReaperIntervalSeconds) * time.Second
	go s.proc.RunReaper(ctx, reaperInterval)

	go func() {
		t := time.NewTicker(processor.NonceRotation)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.proc.RotateNonce()
			}
		}
	}()

	s.log.Info("turnd listening", "bind", s.cfg.Server.Bind, "realm", s.cfg.Server.Realm)

	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop(ctx, conn) }()

	select {
	case <-ctx.Done():
		conn.SetReadDeadline(time.Now())
		if s.hubSrv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.hubSrv.Shutdown(shutCtx)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}

		ip, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}
		addr := turnaddr.New(ip, from.Port)

		data := append([]byte(nil), buf[:n]...)
		for _, out := range s.proc.Handle(ctx, addr, data) {
			s.writeOutbound(conn, out)
		}
	}
}

func (s *Server) writeOutbound(conn *net.UDPConn, out processor.Outbound) {
	udpAddr := &net.UDPAddr{IP: out.Addr.IP.AsSlice(), Port: out.Addr.Port}
	if _, err := conn.WriteToUDP(out.Data, udpAddr); err != nil {
		s.log.Warn("udp write failed", "addr", out.Addr, "error", err)
	}
}

func (s *Server) status() control.Status {
	online := 0
	if s.fab != nil {
		online = len(s.fab.Online())
	}
	return control.Status{
		Realm:         s.cfg.Server.Realm,
		Bind:          s.cfg.Server.Bind,
		External:      s.cfg.Server.External,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Allocations:   s.router.Nodes.Count(),
		PortsFree:     s.router.Ports.Free(),
		ChannelsBound: s.router.Channels.Count(),
		Permissions:   s.router.Perms.Count(),
		FabricEnabled: s.fab != nil || s.hub != nil,
		FabricOnline:  online,
	}
}

// parseHostIP parses the host portion of an "ip:port" or bare IP string
// into a netip.Addr. server.external may be given either way since only
// the address, not the port, is ever meaningful to the protocol layer.
func parseHostIP(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("must not be empty")
	}
	host := s
	if strings.Contains(s, ":") {
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}
