// Package console is the supervisory maintenance surface: a line-based
// command interface reachable over TCP and, on boxes with a service
// header, a serial port. It drives the node runtime's supervisory
// operations only; protocol traffic never passes through here.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-canopen-node/internal/canbus"
	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/node"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

// Runtime is the slice of the node runtime the console operates on.
type Runtime interface {
	State() node.State
	ActiveNodeID() uint8
	NMT() node.NMTState
	SetNodeID(id uint8) error
	SetBitRate(kbit uint16) error
	RequestRestore(g storage.Group) error
	BusInfo() canbus.Info
}

// Server accepts console sessions.
type Server struct {
	rt         Runtime
	addr       string
	serialDev  string
	serialBaud int

	mu    sync.Mutex
	ln    net.Listener
	ready chan struct{}
}

type Option func(*Server)

// WithListenAddr sets the TCP listen address, ":5555" style.
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithSerialPort attaches the console to a serial device as well.
func WithSerialPort(dev string, baud int) Option {
	return func(s *Server) { s.serialDev = dev; s.serialBaud = baud }
}

func New(rt Runtime, opts ...Option) *Server {
	s := &Server{
		rt:         rt,
		addr:       ":5555",
		serialBaud: 115200,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready is closed once the TCP listener is accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound TCP address, empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	logging.L().Info("console_listening", "addr", ln.Addr().String())

	if s.serialDev != "" {
		go s.serveSerial(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.IncError(metrics.ErrConsole)
			return fmt.Errorf("console: accept: %w", err)
		}
		go func() {
			defer conn.Close()
			s.session(conn)
		}()
	}
}

// Overridable for tests.
var openSerialPort = func(dev string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
}

var serialRetryDelay = 5 * time.Second

// serveSerial reopens the port on failure until cancelled; a wedged
// serial console must not take the daemon down.
func (s *Server) serveSerial(ctx context.Context) {
	for ctx.Err() == nil {
		port, err := openSerialPort(s.serialDev, s.serialBaud)
		if err != nil {
			metrics.IncError(metrics.ErrConsole)
			logging.L().Warn("console_serial_failed", "dev", s.serialDev, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(serialRetryDelay):
			}
			continue
		}
		logging.L().Info("console_serial", "dev", s.serialDev, "baud", s.serialBaud)
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-done:
			}
			_ = port.Close()
		}()
		s.session(port)
		close(done)
	}
}

func (s *Server) session(rw io.ReadWriter) {
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		fmt.Fprintln(rw, s.execute(line))
	}
}

var errUsage = errors.New("usage: addr <1..127> | bitrate <kbit> | restore <group> | info | help")

func (s *Server) execute(line string) string {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "help":
		return errUsage.Error()
	case "info":
		return s.info()
	case "addr":
		err = s.setAddr(args)
	case "bitrate":
		err = s.setBitrate(args)
	case "restore":
		err = s.restore(args)
	default:
		err = errUsage
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (s *Server) setAddr(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return errUsage
	}
	return s.rt.SetNodeID(uint8(id))
}

func (s *Server) setBitrate(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	kbit, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return errUsage
	}
	return s.rt.SetBitRate(uint16(kbit))
}

func (s *Server) restore(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	g, ok := storage.ParseGroup(args[0])
	if !ok {
		return fmt.Errorf("unknown group %q", args[0])
	}
	return s.rt.RequestRestore(g)
}

func (s *Server) info() string {
	info := s.rt.BusInfo()
	return fmt.Sprintf(
		"state=%s node_id=%d nmt=%s rx=%d tx=%d err=%d dropped=%d listen_only=%v",
		s.rt.State(), s.rt.ActiveNodeID(), s.rt.NMT(),
		info.RxFrames, info.TxFrames, info.ErrorFrames, info.TxDropped,
		info.ListenOnly,
	)
}
