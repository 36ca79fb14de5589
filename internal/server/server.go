// Package server is the out-of-scope external collaborator named in
// spec.md §1 and §6: the TCP accept loop, connection framing, and thread
// fan-out. It contains none of the sandboxing logic — that all lives in
// internal/sandbox — and plays the same role boost::asio plays in
// original_source/src/main.cc.
package server

import (
	"io"
	"log"
	"net"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/jakajancar/eval-the-evil/internal/sandbox"
)

// Server owns the process-wide GlobalEngine and spawns one worker per
// thread, each with its own fanned-out listener and WorkerSlot.
type Server struct {
	port    int
	threads int
	limits  sandbox.Limits

	engine *sandbox.GlobalEngine
}

// New constructs a Server. The GlobalEngine is created here so that a
// construction failure (e.g. a second GlobalEngine already existing) is
// reported before any worker thread starts, per spec.md §9's "construct
// once in main before workers" guidance.
func New(port, threads int, limits sandbox.Limits) (*Server, error) {
	engine, err := sandbox.NewGlobalEngine()
	if err != nil {
		return nil, err
	}
	return &Server{port: port, threads: threads, limits: limits, engine: engine}, nil
}

// Run starts all worker threads and blocks until every one of them exits
// (which normally only happens if its listener is closed or a fatal error
// is hit). It tears down the GlobalEngine only after every worker has
// finished, honoring spec.md §4.1's teardown order.
func (s *Server) Run() error {
	defer s.engine.Close()

	var wg sync.WaitGroup
	errs := make(chan error, s.threads)

	for i := 0; i < s.threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.runWorker(id); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runWorker is the body of one of the N worker threads from spec.md §5: a
// dedicated OS thread (pinned so the CPU watchdog's clock means anything)
// owning one WorkerSlot and one listening socket, serially accepting and
// handling connection-per-request TCP requests forever.
func (s *Server) runWorker(id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ln, err := listen(s.port)
	if err != nil {
		return err
	}
	defer ln.Close()

	slot, err := sandbox.NewWorkerSlot(s.limits)
	if err != nil {
		return err
	}
	defer slot.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("server: worker %d: accept: %v", id, err)
			return err
		}
		handleConnection(slot, conn, id)
	}
}

// handleConnection implements spec.md §6's wire protocol: read the full
// request to EOF (the client half-closes after writing), hand it to a
// fresh RequestScope, write the response, close. A FatalError raised from
// inside Handle is a system error (spec.md §7): it is logged with a stack
// trace and the whole process is aborted, since the evaluation instance
// that produced it may be left in an undefined state.
func handleConnection(slot *sandbox.WorkerSlot, conn net.Conn, workerID int) {
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			if fatal, ok := r.(sandbox.FatalError); ok {
				log.Fatalf("server: worker %d: fatal: %v\n\n%s", workerID, fatal, debug.Stack())
			}
			panic(r)
		}
	}()

	requestBlob, err := io.ReadAll(conn)
	if err != nil {
		log.Printf("server: worker %d: reading request: %v", workerID, err)
		return
	}

	scope := sandbox.NewRequestScope(slot)
	response := scope.Handle(requestBlob)

	if _, err := conn.Write(response); err != nil {
		log.Printf("server: worker %d: writing response: %v", workerID, err)
	}
}
