// Package server implements the TCP front of a dkvs node: an accept loop,
// one reader goroutine per connection and a fixed-size worker pool that
// executes parsed commands. Replies go back on the connection the request
// arrived on, in dispatch order.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dkvs-io/dkvs/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("server")

var (
	connsAccepted = metrics.GetOrCreateCounter("dkvs_connections_accepted_total")
	cmdsProcessed = metrics.GetOrCreateCounter("dkvs_commands_processed_total")
	parseErrors   = metrics.GetOrCreateCounter("dkvs_parse_errors_total")
)

const readChunkSize = 4096

// HandleFunc executes one parsed command and returns the wire response.
// Cluster nodes plug in the coordinator; the degenerate single-node mode
// plugs in a LocalHandler.
type HandleFunc func(cmd protocol.Command) []byte

// task is one unit of work submitted to the worker pool. The submitting
// connection goroutine blocks on result, which keeps replies on a
// connection in dispatch order.
type task struct {
	cmd    protocol.Command
	result chan []byte
}

// Server accepts client connections and pumps their frames through the
// worker pool.
type Server struct {
	addr    string
	handler HandleFunc
	workers int

	listener net.Listener
	conns    *xsync.MapOf[uint64, net.Conn]
	nextID   atomic.Uint64
	running  atomic.Bool

	tasks    chan task
	workerWg sync.WaitGroup
	connWg   sync.WaitGroup
}

// New creates a server listening on addr once Run is called.
func New(addr string, workers int, handler HandleFunc) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{
		addr:    addr,
		handler: handler,
		workers: workers,
		conns:   xsync.NewMapOf[uint64, net.Conn](),
		tasks:   make(chan task),
	}
}

// Run listens and serves until Stop is called. It returns only after every
// connection goroutine and worker has exited.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.running.Store(true)

	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}

	Logger.Infof("listening on %s with %d workers", s.addr, s.workers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.running.Load() {
				break
			}
			Logger.Errorf("accept error: %v", err)
			continue
		}

		connsAccepted.Inc()
		id := s.nextID.Add(1)
		s.conns.Store(id, conn)

		s.connWg.Add(1)
		go s.handleConnection(id, conn)
	}

	// Drain: close remaining connections, wait for their goroutines, then
	// let the workers run out of tasks.
	s.conns.Range(func(id uint64, conn net.Conn) bool {
		conn.Close()
		return true
	})
	s.connWg.Wait()
	close(s.tasks)
	s.workerWg.Wait()

	Logger.Infof("server on %s stopped", s.addr)
	return nil
}

// Stop shuts the server down. It only flips the running flag and closes the
// listener, so it is safe to call from a signal-handling goroutine and may
// be called more than once.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the bound listener address (useful when addr used port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// handleConnection owns the read buffer and all writes for one client. It
// parses frames off the stream and runs each through the worker pool,
// replying in order.
func (s *Server) handleConnection(id uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		s.conns.Delete(id)
		s.connWg.Done()
	}()

	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var done bool
			buf, done = s.processBuffer(conn, buf)
			if done {
				return
			}
		}
		if err != nil {
			if s.running.Load() && !errors.Is(err, net.ErrClosed) {
				Logger.Debugf("connection closed: %v", err)
			}
			return
		}
	}
}

// processBuffer parses and executes every complete frame in buf, returning
// the unconsumed remainder. done is true when the connection must close
// (write failure).
func (s *Server) processBuffer(conn net.Conn, buf []byte) (rest []byte, done bool) {
	for {
		res := protocol.TryParse(buf)

		switch res.Status {
		case protocol.ParseIncomplete:
			return buf, false

		case protocol.ParseError:
			// The malformed frame is consumed in full, keeping the stream
			// aligned; the connection stays open.
			parseErrors.Inc()
			buf = buf[res.Consumed:]
			if !s.writeAll(conn, protocol.FormatError(res.Err)) {
				return nil, true
			}

		case protocol.ParseOK:
			buf = buf[res.Consumed:]
			resp := s.execute(res.Command)
			cmdsProcessed.Inc()
			if !s.writeAll(conn, resp) {
				return nil, true
			}
		}
	}
}

// execute runs one command through the worker pool and waits for its
// response.
func (s *Server) execute(cmd protocol.Command) []byte {
	t := task{cmd: cmd, result: make(chan []byte, 1)}
	s.tasks <- t
	return <-t.result
}

func (s *Server) writeAll(conn net.Conn, data []byte) bool {
	if _, err := conn.Write(data); err != nil {
		Logger.Debugf("write failed: %v", err)
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Worker pool
// --------------------------------------------------------------------------

func (s *Server) worker() {
	defer s.workerWg.Done()

	for t := range s.tasks {
		t.result <- s.handler(t.cmd)
	}
}
