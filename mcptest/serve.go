package mcptest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/probeworks/mcprobe"
)

// stream is one live newline-framed connection.
type stream struct {
	mu sync.Mutex
	w  io.Writer
}

func (st *stream) send(msg mcprobe.JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.w.Write(append(bs, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ServeStream serves one connection with newline-delimited JSON framing,
// reading requests from r and writing responses and pushes to w. It returns
// when r is exhausted. Suitable for io.Pipe pairs and net.Conn values.
func (s *Server) ServeStream(r io.Reader, w io.Writer) error {
	st := &stream{w: w}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
	}()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		var msg mcprobe.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		if res := s.dispatch(msg); res != nil {
			if err := st.send(*res); err != nil {
				return err
			}
		}
	}
}

// ServeListener accepts connections until the listener closes, serving each
// with ServeStream.
func (s *Server) ServeListener(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := s.ServeStream(conn, conn); err != nil {
				s.logger.Error("failed to serve connection", "err", err)
			}
		}()
	}
}

// ServeStdio serves the process's stdin/stdout, for use as the child process
// of a stdio transport test.
func (s *Server) ServeStdio() error {
	return s.ServeStream(os.Stdin, os.Stdout)
}

// Handler returns the streamable HTTP endpoint: requests arrive as POST
// bodies and are answered with an event stream carrying any queued pushes
// followed by the response, or a plain JSON body when the server was created
// WithJSONResponses. A session ID is issued on initialize and verified on
// every later request.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var msg mcprobe.JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		session := s.session
		s.mu.Unlock()

		if session != "" && msg.Method != mcprobe.MethodInitialize {
			if got := r.Header.Get("Mcp-Session-Id"); got != session {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
		}

		if msg.Method == mcprobe.MethodInitialize {
			session = uuid.New().String()
			s.mu.Lock()
			s.session = session
			s.mu.Unlock()
		}
		if session != "" {
			w.Header().Set("Mcp-Session-Id", session)
		}

		res := s.dispatch(msg)
		if res == nil {
			// Notifications and responses need only an acknowledgement.
			w.WriteHeader(http.StatusAccepted)
			return
		}

		if s.jsonResponses {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(res); err != nil {
				s.logger.Error("failed to write response", "err", err)
			}
			return
		}

		s.writeEventStream(w, r, *res)
	})
}

// writeEventStream upgrades the response to an SSE stream and emits the
// queued pushes followed by the response message.
func (s *Server) writeEventStream(w http.ResponseWriter, r *http.Request, res mcprobe.JSONRPCMessage) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}

	for _, queued := range s.takeQueued() {
		if err := s.sendEvent(sess, queued); err != nil {
			s.logger.Error("failed to send queued message", "err", err)
			return
		}
	}
	if err := s.sendEvent(sess, res); err != nil {
		s.logger.Error("failed to send response", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		s.logger.Error("failed to flush response", "err", err)
	}
}

func (s *Server) sendEvent(sess *sse.Session, msg mcprobe.JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ev := &sse.Message{Type: sse.Type("message")}
	ev.AppendData(string(bs))
	return sess.Send(ev)
}
