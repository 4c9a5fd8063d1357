package rdv

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the options the RDV server's cmd entrypoint gathers from
// CLI flags, matching spec.md §6 "Server" flags.
type Config struct {
	Port       uint16
	MaxClients int
	Debug      bool
	Dump       bool
	Verbose    bool
	Log        *logrus.Entry
}

// Server runs the single-threaded MessageDispatcher/Reaper event loop over
// one UDP socket, the way the teacher's p2p.Server.run multiplexes a
// single goroutine over several channels — here there's only one input
// (the socket) and one periodic timer.
type Server struct {
	cfg  Config
	conn *net.UDPConn
	log  *logrus.Entry

	dir        *Directory
	sessions   *SessionTable
	dispatcher *Dispatcher
	reaper     *Reaper
}

// New binds the listening UDP socket and builds the dispatcher/reaper.
func New(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr := &net.UDPAddr{Port: int(cfg.Port)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	dir := NewDirectory(cfg.MaxClients)
	sessions := NewSessionTable()
	disp := NewDispatcher(dir, sessions, conn, log)
	disp.Dump = cfg.Dump

	return &Server{
		cfg:        cfg,
		conn:       conn,
		log:        log,
		dir:        dir,
		sessions:   sessions,
		dispatcher: disp,
		reaper:     &Reaper{Dir: dir, Sessions: sessions},
	}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Run drives the event loop until ctx is cancelled, mirroring the
// original's select-with-5s-cleanup-timeout loop (spec.md §4.2 "Reaper:
// runs at least every 5s").
func (s *Server) Run(ctx context.Context) error {
	s.log.WithField("addr", s.conn.LocalAddr()).Info("rdv: listening")
	buf := make([]byte, 2048)
	lastReap := time.Now()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(ReapInterval))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.reaper.Sweep(time.Now())
				lastReap = time.Now()
				continue
			}
			select {
			case <-ctx.Done():
				return s.shutdown()
			default:
				s.log.WithError(err).Warn("rdv: recvfrom error")
				continue
			}
		}

		s.dispatcher.Handle(buf[:n], from)

		if time.Since(lastReap) > ReapInterval {
			s.reaper.Sweep(time.Now())
			lastReap = time.Now()
		}
	}
}

func (s *Server) shutdown() error {
	s.log.Info("rdv: shutting down")
	return s.conn.Close()
}
