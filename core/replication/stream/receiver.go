package stream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// ReceiverConfig controls the inbound replication endpoint.
type ReceiverConfig struct {
	Addr    string
	URLPath string       // defaults to DefaultPath
	TLS     *tls.Config  // required for HTTP/3
	QUIC    *quic.Config // optional knobs

	QueueCapacity int
	MaxFrameBytes int
}

// Receiver accepts replication streams and hands decoded frames to a
// consumer channel. Frames are never dropped: replication is lossless,
// so a full queue blocks the remote sender instead.
type Receiver struct {
	cfg     ReceiverConfig
	log     *zap.Logger
	server  *http3.Server
	ln      net.PacketConn
	frames  chan []byte
	namedMu sync.Mutex
	named   map[string]chan []byte
	pool    *sync.Pool
	wg      sync.WaitGroup
	started int32
	closed  int32
}

func NewReceiver(log *zap.Logger, cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("stream: receiver addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("stream: TLS config is required for HTTP/3")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = DefaultPath
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}

	r := &Receiver{
		cfg:    cfg,
		log:    log,
		frames: make(chan []byte, cfg.QueueCapacity),
		named:  make(map[string]chan []byte),
		pool: &sync.Pool{
			New: func() any {
				b := make([]byte, 4096)
				return &b
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.streamHandler)
	// Subpaths carry a stream name, one ordered channel per name.
	mux.HandleFunc(cfg.URLPath+"/", r.streamHandler)
	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start listens on UDP and begins serving HTTP/3.
func (r *Receiver) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return errors.New("stream: receiver already started")
	}
	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("stream: listen udp %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn
	r.log.Info("replication receiver listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("path", r.cfg.URLPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("replication receiver serve error", zap.Error(err))
		}
	}()
	return nil
}

// Close stops serving and closes the frame channel once handlers
// drain.
func (r *Receiver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	r.server.Close()
	if r.ln != nil {
		r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.log.Warn("replication receiver close timed out", zap.Error(ctx.Err()))
	case <-done:
	}
	close(r.frames)
	r.namedMu.Lock()
	for _, ch := range r.named {
		close(ch)
	}
	r.namedMu.Unlock()
	return nil
}

// Frames returns the consumer channel for streams posted to the bare
// path.
func (r *Receiver) Frames() <-chan []byte { return r.frames }

// Stream returns the consumer channel for streams posted to
// "<path>/<name>". Each name gets its own ordered channel, so frames
// from different senders never interleave.
func (r *Receiver) Stream(name string) <-chan []byte {
	return r.streamChan(name)
}

func (r *Receiver) streamChan(name string) chan []byte {
	r.namedMu.Lock()
	defer r.namedMu.Unlock()
	ch, ok := r.named[name]
	if !ok {
		ch = make(chan []byte, r.cfg.QueueCapacity)
		r.named[name] = ch
	}
	return ch
}

// Addr returns the bound address once Start has succeeded.
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return r.cfg.Addr
	}
	return r.ln.LocalAddr().String()
}

// streamHandler consumes a length-prefixed frame stream.
func (r *Receiver) streamHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	// Acknowledge early so the sender's pipe starts flowing.
	w.WriteHeader(http.StatusOK)
	w.Write(nil)

	ctx := req.Context()
	body := req.Body
	remote := req.RemoteAddr
	var lenBuf [4]byte

	out := r.frames
	if name := strings.TrimPrefix(req.URL.Path, r.cfg.URLPath+"/"); name != "" && name != req.URL.Path {
		out = r.streamChan(name)
	}
	if session := req.Header.Get(sessionHeader); session != "" {
		r.log.Debug("replication stream accepted",
			zap.String("remote", remote), zap.String("session", session))
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("replication stream cancelled", zap.String("remote", remote))
			return
		default:
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.log.Error("replication stream read failed",
				zap.String("remote", remote), zap.Error(err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxFrameBytes {
			r.log.Error("oversized replication frame",
				zap.String("remote", remote), zap.Uint32("size", n))
			return
		}

		bufPtr := r.pool.Get().(*[]byte)
		b := *bufPtr
		if cap(b) < int(n) {
			b = make([]byte, int(n))
		} else {
			b = b[:int(n)]
		}
		if _, err := io.ReadFull(body, b); err != nil {
			r.pool.Put(&b)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.log.Error("replication frame read failed",
				zap.String("remote", remote), zap.Error(err))
			return
		}

		frame := make([]byte, int(n))
		copy(frame, b)
		r.pool.Put(&b)

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}
