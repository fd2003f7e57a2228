// Package stream moves replication payloads between nodes over
// HTTP/3: one long-lived streaming POST per peer carrying
// length-prefixed frames. Replication order matters, so unlike a
// generic event pipeline each peer gets exactly one ordered stream.
package stream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// DefaultPath is where peers accept replication streams.
const DefaultPath = "/replication"

// sessionHeader identifies one sender connection across reconnects.
const sessionHeader = "X-Replication-Session"

// SenderConfig controls one peer stream.
type SenderConfig struct {
	Addr    string      // peer host:port
	URLPath string      // defaults to DefaultPath
	TLS     *tls.Config // required for HTTP/3
	QUIC    *quic.Config

	QueueCapacity    int           // ingress queue, messages
	MaxBatchBytes    int           // flush threshold, bytes
	MaxBatchMessages int           // flush threshold, messages
	FlushInterval    time.Duration // partial batch linger

	MaxWriteRetries   int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64
}

func (c *SenderConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = DefaultPath
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.MaxWriteRetries <= 0 {
		c.MaxWriteRetries = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
}

// Sender batches and ships frames to one peer, in order.
type Sender struct {
	cfg     SenderConfig
	log     *zap.Logger
	url     string
	pool    *sync.Pool
	quit    chan struct{}
	closed  int32
	wg      sync.WaitGroup
	client  *http.Client
	rt      *http3.Transport
	ingress chan []byte
	batches chan []byte
	randSrc *rand.Rand

	// OnFatal runs when a batch is dropped after exhausting retries.
	// The replication layer disables the peer; a stream with a hole
	// in it must not keep flowing.
	OnFatal func(err error)
}

// NewSender starts the batching and connection goroutines.
func NewSender(log *zap.Logger, cfg SenderConfig) (*Sender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("stream: sender addr is required")
	}
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}

	s := &Sender{
		cfg:     cfg,
		log:     log,
		url:     fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		pool:    &sync.Pool{New: func() any { return make([]byte, 0, 2048) }},
		quit:    make(chan struct{}),
		client:  &http.Client{Transport: rt},
		rt:      rt,
		ingress: make(chan []byte, cfg.QueueCapacity),
		batches: make(chan []byte, 1),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	s.wg.Add(2)
	go s.batchingLoop()
	go s.connectionLoop()
	return s, nil
}

// Send blocks until the frame is queued or the sender is closed.
func (s *Sender) Send(msg []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return errors.New("stream: sender closed")
	}
	buf := s.pool.Get().([]byte)[:0]
	buf = append(buf, msg...)
	select {
	case s.ingress <- buf:
		return nil
	case <-s.quit:
		s.pool.Put(buf[:0])
		return errors.New("stream: sender closed")
	}
}

// Close drains queued frames and stops the goroutines.
func (s *Sender) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return errors.New("stream: already closed")
	}
	close(s.quit)
	s.wg.Wait()
	return s.rt.Close()
}

func (s *Sender) batchingLoop() {
	defer s.wg.Done()
	defer close(s.batches)

	var batch bytes.Buffer
	msgs := 0
	flush := time.NewTimer(s.cfg.FlushInterval)
	defer flush.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		select {
		case s.batches <- payload:
			batch.Reset()
			msgs = 0
		case <-s.quit:
		}
	}

	resetTimer := func() {
		if !flush.Stop() {
			select {
			case <-flush.C:
			default:
			}
		}
		flush.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case m := <-s.ingress:
					frameAppend(&batch, m)
					msgs++
					s.pool.Put(m[:0])
				default:
					dispatch()
					return
				}
			}

		case m := <-s.ingress:
			frameAppend(&batch, m)
			msgs++
			s.pool.Put(m[:0])
			if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flush.C:
			dispatch()
			resetTimer()
		}
	}
}

type connState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (s *Sender) connectionLoop() {
	defer s.wg.Done()
	var st *connState
	defer func() {
		if st != nil {
			st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range s.batches {
		if st == nil {
			var err error
			st, err = s.establishStream()
			if err != nil {
				s.log.Warn("stream establish failed", zap.String("peer", s.cfg.Addr), zap.Error(err))
				if !s.retrySend(payload) {
					s.fatal(fmt.Errorf("stream: peer %s unreachable", s.cfg.Addr))
					return
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			s.log.Warn("stream write failed, reconnecting",
				zap.String("peer", s.cfg.Addr), zap.Error(err))
			st.writer.Close()
			st.cancelReq()
			st = nil
			if !s.retrySend(payload) {
				s.fatal(fmt.Errorf("stream: write to %s kept failing", s.cfg.Addr))
				return
			}
		}
	}
}

// retrySend re-establishes the stream and rewrites payload with
// exponential backoff. In-order delivery is preserved: the loop owns
// the only connection and does not move on until this payload lands.
func (s *Sender) retrySend(payload []byte) bool {
	backoff := s.cfg.InitialBackoff
	var st *connState
	defer func() {
		if st != nil {
			st.writer.Close()
			st.cancelReq()
		}
	}()
	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if st == nil {
			var err error
			st, err = s.establishStream()
			if err != nil {
				if !s.sleepBackoff(backoff) {
					return false
				}
				backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
				continue
			}
		}
		if _, err := st.writer.Write(payload); err == nil {
			return true
		}
		st.writer.Close()
		st.cancelReq()
		st = nil
		if !s.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
	}
	return false
}

func (s *Sender) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := 2 * cur
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (s *Sender) fatal(err error) {
	s.log.Error("replication stream failed", zap.String("peer", s.cfg.Addr), zap.Error(err))
	if s.OnFatal != nil {
		s.OnFatal(err)
	}
}

// establishStream opens a streaming POST whose body is an io.Pipe.
func (s *Sender) establishStream() (*connState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}
	session := uuid.NewString()
	req.Header.Set(sessionHeader, session)

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("stream request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			pw.CloseWithError(fmt.Errorf("peer returned %s", resp.Status))
			return
		}
		io.Copy(io.Discard, resp.Body)
		pw.Close()
	}()

	s.log.Debug("replication stream established",
		zap.String("peer", s.cfg.Addr), zap.String("session", session))
	return &connState{writer: pw, cancelReq: cancel}, nil
}

// frameAppend writes a 4-byte big-endian length prefix and the frame.
func frameAppend(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}
