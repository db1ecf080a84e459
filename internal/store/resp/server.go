// Package resp serves a store over the Redis protocol so nodes running in
// separate processes can share one lease store without an external Redis.
package resp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/redcon"

	"github.com/3cpo-dev/dim/internal/store"
)

// Backend is a store that can also set a key only when it is absent.
type Backend interface {
	store.Store
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type flusher interface{ Flush() }

type Server struct {
	addr     string
	backend  Backend
	password string

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

func NewServer(addr string, backend Backend, password string) *Server {
	return &Server{addr: addr, backend: backend, password: password}
}

// Listen binds the listener; Serve then blocks. Splitting the two lets
// callers learn the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := redcon.NewServer(s.addr, s.handleCommand, s.handleAccept, s.handleClose)
	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	return nil
}

func (s *Server) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()
	if srv == nil {
		return errors.New("resp: server not listening")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("RESP store listening")
	return srv.Serve(ln)
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	conn.SetContext(s.password == "")
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("RESP connection closed")
	}
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	ctx := context.Background()
	name := strings.ToUpper(string(cmd.Args[0]))
	args := cmd.Args[1:]

	if authed, _ := conn.Context().(bool); !authed && name != "AUTH" && name != "PING" && name != "QUIT" {
		conn.WriteError("NOAUTH Authentication required.")
		return
	}

	switch name {
	case "PING":
		if len(args) > 0 {
			conn.WriteBulk(args[0])
			return
		}
		conn.WriteString("PONG")
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
	case "AUTH":
		s.auth(conn, args)
	case "SELECT":
		if len(args) != 1 || string(args[0]) != "0" {
			conn.WriteError("ERR DB index is out of range")
			return
		}
		conn.WriteString("OK")
	case "GET":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		v, err := s.backend.Get(ctx, string(args[0]))
		if errors.Is(err, store.ErrNotFound) {
			conn.WriteNull()
			return
		}
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteBulkString(v)
	case "SET":
		s.set(ctx, conn, args)
	case "DEL":
		if len(args) == 0 {
			wrongArgs(conn, name)
			return
		}
		var n int
		for _, k := range args {
			if _, err := s.backend.Get(ctx, string(k)); err == nil {
				n++
			}
			if err := s.backend.Delete(ctx, string(k)); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
		}
		conn.WriteInt(n)
	case "EXISTS":
		var n int
		for _, k := range args {
			if _, err := s.backend.Get(ctx, string(k)); err == nil {
				n++
			}
		}
		conn.WriteInt(n)
	case "PTTL", "TTL":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		_, ttl, err := s.backend.GetWithTTL(ctx, string(args[0]))
		switch {
		case errors.Is(err, store.ErrNotFound):
			conn.WriteInt(-2)
		case err != nil:
			conn.WriteError("ERR " + err.Error())
		case ttl == 0:
			conn.WriteInt(-1)
		case name == "TTL":
			conn.WriteInt64(int64((ttl + time.Second/2) / time.Second))
		default:
			conn.WriteInt64(ttl.Milliseconds())
		}
	case "FLUSHALL", "FLUSHDB":
		if f, ok := s.backend.(flusher); ok {
			f.Flush()
		}
		conn.WriteString("OK")
	default:
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
	}
}

func (s *Server) auth(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 || len(args) > 2 {
		wrongArgs(conn, "AUTH")
		return
	}
	pass := string(args[len(args)-1])
	if s.password == "" {
		conn.WriteError("ERR AUTH called without any password configured")
		return
	}
	if pass != s.password {
		conn.WriteError("WRONGPASS invalid username-password pair")
		return
	}
	conn.SetContext(true)
	conn.WriteString("OK")
}

// set handles SET key value [EX seconds | PX milliseconds] [NX | XX].
func (s *Server) set(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		wrongArgs(conn, "SET")
		return
	}
	key, value := string(args[0]), string(args[1])
	var (
		ttl    time.Duration
		nx, xx bool
	)
	for i := 2; i < len(args); i++ {
		switch opt := strings.ToUpper(string(args[i])); opt {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				conn.WriteError("ERR syntax error")
				return
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			unit := time.Second
			if opt == "PX" {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}
	if nx && xx {
		conn.WriteError("ERR syntax error")
		return
	}

	switch {
	case nx:
		ok, err := s.backend.SetNX(ctx, key, value, ttl)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if !ok {
			conn.WriteNull()
			return
		}
	case xx:
		if _, err := s.backend.Get(ctx, key); err != nil {
			conn.WriteNull()
			return
		}
		fallthrough
	default:
		if err := s.backend.Set(ctx, key, value, ttl); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
	}
	conn.WriteString("OK")
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
}
