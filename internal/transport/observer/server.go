package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/geometry"
	"voxelview.ai/internal/manifest"
	"voxelview.ai/internal/observerproto"
	"voxelview.ai/internal/persistence/indexdb"
	persistlog "voxelview.ai/internal/persistence/log"
	"voxelview.ai/internal/source"
	"voxelview.ai/internal/tuning"
	"voxelview.ai/internal/viewer"
)

type Config struct {
	Source source.Source
	Tuning tuning.Viewer

	// Optional.
	Index   *indexdb.SQLiteIndex
	Journal *persistlog.LoadJournal
	Logger  *log.Logger

	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
	// MaxSessions bounds concurrent websocket sessions (default 8).
	MaxSessions int
}

var errShuttingDown = errors.New("server shutting down")

type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader

	// ctx parents every session; Close cancels it and waits on wg.
	ctx       context.Context
	cancel    context.CancelFunc
	sessMu    sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	manMu   sync.Mutex
	man     *manifest.Manifest
	manLoad *manifestLoad

	active   atomic.Int64
	sessions atomic.Uint64
	frames   atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64
	released atomic.Uint64
	bytes    atomic.Uint64
}

func NewServer(cfg Config) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler mounts the /v1 routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/ws", s.WSHandler())
	mux.HandleFunc("/v1/stats", s.StatsHandler())
	return mux
}

// Close ends every websocket session and waits for them to record their
// summaries. New sessions are refused afterwards.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.sessMu.Lock()
		s.closed = true
		s.sessMu.Unlock()
		s.cancel()
	})
	s.wg.Wait()
}

func (s *Server) track() bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

type manifestLoad struct {
	done chan struct{}
	man  *manifest.Manifest
	err  error
}

// manifest returns the cached manifest, fetching it on first use. Concurrent
// callers share one fetch and the lock is never held across it. Failures are
// not cached so a fixed dataset is picked up by the next request.
func (s *Server) manifest(ctx context.Context) (*manifest.Manifest, error) {
	s.manMu.Lock()
	if s.man != nil {
		m := s.man
		s.manMu.Unlock()
		return m, nil
	}
	ld := s.manLoad
	if ld == nil {
		ld = &manifestLoad{done: make(chan struct{})}
		s.manLoad = ld
		go s.loadManifest(ld)
	}
	s.manMu.Unlock()

	select {
	case <-ld.done:
		return ld.man, ld.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadManifest runs detached from any one request so a caller that gives
// up does not fail the others waiting on the same fetch.
func (s *Server) loadManifest(ld *manifestLoad) {
	ctx := s.ctx
	if d := s.cfg.Tuning.FetchTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	m, err := viewer.LoadManifest(ctx, s.cfg.Source)

	s.manMu.Lock()
	ld.man, ld.err = m, err
	if err == nil {
		s.man = m
	}
	s.manLoad = nil
	s.manMu.Unlock()
	close(ld.done)
}

func (s *Server) bootstrap(man *manifest.Manifest, status string, tun tuning.Viewer) observerproto.BootstrapResponse {
	resp := observerproto.BootstrapResponse{
		ProtocolVersion:     observerproto.Version,
		Status:              status,
		LODRanges:           map[string][2]float64{},
		Palette:             tun.Palette,
		Builder:             tun.Builder,
		Edges:               tun.Edges,
		SchedulerIntervalMs: tun.SchedulerIntervalMs,
		FrameRateHz:         tun.FrameRateHz,
		Levels:              []manifest.LevelSummary{},
	}
	for lvl, r := range tun.Ranges() {
		resp.LODRanges[strconv.Itoa(lvl)] = [2]float64{r.Min, r.Max}
	}
	if man != nil {
		resp.BaseVoxelSize = man.BaseVoxelSize
		resp.ChunkDimension = man.ChunkDimension
		resp.Levels = man.Summary()
	}
	return resp
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		status := viewer.StatusReady
		man, err := s.manifest(r.Context())
		if err != nil {
			status = viewer.ManifestErrorStatus(err)
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.bootstrap(man, status, s.cfg.Tuning))
	}
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Stats(r.Context(), r.URL.Query().Get("session")))
	}
}

// Stats reports the live counters. With an index it adds the committed load
// outcomes, the worst failing chunks and, when sessionID is set, that
// session's row.
func (s *Server) Stats(ctx context.Context, sessionID string) observerproto.StatsResponse {
	resp := observerproto.StatsResponse{
		ProtocolVersion: observerproto.Version,
		SessionsActive:  s.active.Load(),
		SessionsTotal:   s.sessions.Load(),
		Frames:          s.frames.Load(),
		Fetches:         s.fetches.Load(),
		Failures:        s.failures.Load(),
		Released:        s.released.Load(),
		BytesFetched:    s.bytes.Load(),
	}
	if s.cfg.Index == nil {
		return resp
	}
	q := s.cfg.Index.Stats()
	ix := &observerproto.IndexStats{
		QueueDepth:    q.QueueDepth,
		QueueCapacity: q.QueueCapacity,
		DroppedTotal:  q.DroppedTotal,
	}
	resp.Index = ix
	if err := s.indexStats(ctx, ix); err != nil {
		ix.Error = err.Error()
		return resp
	}
	if sessionID != "" {
		ss, err := s.sessionStats(ctx, sessionID)
		if err != nil {
			ix.Error = err.Error()
			return resp
		}
		resp.Session = ss
	}
	return resp
}

func (s *Server) indexStats(ctx context.Context, ix *observerproto.IndexStats) error {
	counts, err := s.cfg.Index.OutcomeCounts(ctx, "")
	if err != nil {
		return err
	}
	ix.Outcomes = counts
	failing, err := s.cfg.Index.FailingChunks(ctx, 10)
	if err != nil {
		return err
	}
	for _, fc := range failing {
		ix.FailingChunks = append(ix.FailingChunks, observerproto.FailingChunk{
			Level:    fc.Level,
			ChunkID:  fc.ChunkID,
			Failures: fc.Failures,
			LastErr:  fc.LastErr,
		})
	}
	return nil
}

func (s *Server) sessionStats(ctx context.Context, id string) (*observerproto.SessionStats, error) {
	row, ok, err := s.cfg.Index.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &observerproto.SessionStats{ID: id, Found: ok}
	if !ok {
		return out, nil
	}
	counts, err := s.cfg.Index.OutcomeCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	out.Source = row.Source
	out.StartedAt, out.EndedAt = row.StartedAt, row.EndedAt
	out.Ticks, out.Frames = row.Ticks, row.Frames
	out.Fetches, out.Failures = row.Fetches, row.Failures
	out.PeakResident = row.PeakResident
	out.Outcomes = counts
	return out, nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeStatus(conn *websocket.Conn, status, code string) {
	b, err := json.Marshal(observerproto.StatusMsg{Type: observerproto.TypeStatus, Status: status, Code: code})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != observerproto.TypeSubscribe {
			writeStatus(conn, "expected SUBSCRIBE", observerproto.ErrProtoBadRequest)
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}
		if sub.ProtocolVersion != observerproto.Version {
			writeStatus(conn, "unsupported protocol version "+sub.ProtocolVersion, observerproto.ErrProtoVersion)
			closeWith(conn, websocket.ClosePolicyViolation, "protocol version")
			return
		}
		tun, err := applySubscribe(s.cfg.Tuning, sub)
		if err != nil {
			writeStatus(conn, err.Error(), observerproto.ErrProtoBadRequest)
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if !s.track() {
			writeStatus(conn, errShuttingDown.Error(), observerproto.ErrBusy)
			closeWith(conn, websocket.CloseGoingAway, errShuttingDown.Error())
			return
		}
		defer s.wg.Done()
		if n := s.active.Add(1); n > int64(s.cfg.MaxSessions) {
			s.active.Add(-1)
			writeStatus(conn, "server busy", observerproto.ErrBusy)
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		defer s.active.Add(-1)
		s.sessions.Add(1)

		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		// Unblock the reader loop when the session or the server ends.
		go func() {
			<-ctx.Done()
			_ = conn.SetReadDeadline(time.Now())
		}()

		sid := uuid.NewString()
		status := viewer.StatusReady
		man, manErr := s.manifest(ctx)
		if manErr != nil {
			status = viewer.ManifestErrorStatus(manErr)
		}
		opts, _ := tun.BuilderOptions()

		welcome, err := json.Marshal(observerproto.WelcomeMsg{
			Type:            observerproto.TypeWelcome,
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			Bootstrap:       s.bootstrap(man, status, tun),
		})
		if err != nil {
			writeStatus(conn, "encode welcome: "+err.Error(), observerproto.ErrInternal)
			closeWith(conn, websocket.CloseInternalServerErr, "internal error")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
			return
		}

		out := &wsRenderer{
			ctx:     ctx,
			palette: opts.Palette,
			dataOut: make(chan []byte, 4096),
			tickOut: make(chan []byte, 8),
		}
		pose := viewer.Pose{}
		if sub.Camera != nil {
			pose = cameraPose(*sub.Camera)
		}
		cam := viewer.NewRemoteCamera(pose)

		started := time.Now().UTC()
		row := indexdb.SessionRow{ID: sid, Source: s.cfg.Source.String(), StartedAt: started.Format(time.RFC3339)}
		if man != nil {
			row.Levels = len(man.Levels)
			row.Chunks = man.ChunkCount()
		}
		if s.cfg.Index != nil {
			s.cfg.Index.StartSession(row)
		}
		s.printf("observer session=%s remote=%s builder=%s status=%q", sid, r.RemoteAddr, tun.Builder, status)

		drv := viewer.NewDriver(viewer.Config{
			Source:   s.cfg.Source,
			Manifest: man,
			Tuning:   tun,
			Camera:   cam,
			Renderer: out,
			Recorder: &viewer.SessionRecorder{SessionID: sid, Journal: s.cfg.Journal, Index: s.cfg.Index, Logger: s.log},
			Logger:   s.log,
		})
		driverDone := make(chan struct{})
		go func() {
			defer close(driverDone)
			if err := drv.Run(ctx); err != nil {
				// The session stays open and idle; the client saw the status.
				s.printf("observer session=%s driver: %v", sid, err)
			}
		}()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-out.dataOut:
				case b = <-out.tickOut:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}()

		// Reader loop: camera updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cm observerproto.CameraMsg
			if err := json.Unmarshal(msg, &cm); err != nil || cm.Type != observerproto.TypeCamera {
				continue
			}
			cam.Set(cameraPose(cm))
		}

		shutdown := s.ctx.Err() != nil
		cancel()
		<-driverDone
		if shutdown {
			closeWith(conn, websocket.CloseGoingAway, errShuttingDown.Error())
		} else {
			closeWith(conn, websocket.CloseNormalClosure, "bye")
		}

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}

		sum := drv.Summary()
		s.account(sum.Frames, sum.Cache)
		if s.cfg.Index != nil {
			end := viewer.SessionRow(sid, sum)
			end.Source, end.Levels, end.Chunks, end.StartedAt = row.Source, row.Levels, row.Chunks, row.StartedAt
			end.EndedAt = time.Now().UTC().Format(time.RFC3339)
			s.cfg.Index.EndSession(end)
		}
		s.printf("observer session=%s closed frames=%d fetches=%d failures=%d", sid, sum.Frames, sum.Cache.Fetches, sum.Cache.Failures)
	}
}

func (s *Server) account(frames uint64, st chunkcache.Stats) {
	s.frames.Add(frames)
	s.fetches.Add(st.Fetches)
	s.failures.Add(st.Failures)
	s.released.Add(st.Released)
	s.bytes.Add(st.BytesFetched)
}

// applySubscribe layers the client's overrides on the server tuning.
func applySubscribe(base tuning.Viewer, sub observerproto.SubscribeMsg) (tuning.Viewer, error) {
	tun := base
	if sub.Builder != "" {
		tun.Builder = sub.Builder
	}
	if sub.Edges != nil {
		tun.Edges = *sub.Edges
	}
	if err := tun.Validate(); err != nil {
		return base, err
	}
	return tun, nil
}

func cameraPose(cm observerproto.CameraMsg) viewer.Pose {
	return viewer.Pose{Position: cm.Pos, Yaw: cm.Yaw, Pitch: cm.Pitch}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.cfg.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// wsRenderer turns driver callbacks into protocol messages. Chunk messages
// block until queued or the session ends; FRAME messages are dropped when
// the client falls behind.
type wsRenderer struct {
	ctx     context.Context
	palette []geometry.Color
	dataOut chan []byte
	tickOut chan []byte
}

func (w *wsRenderer) Init(context.Context) error { return nil }

func (w *wsRenderer) Status(status string) {
	code := ""
	switch {
	case strings.HasPrefix(status, "manifest error:"):
		code = observerproto.ErrManifest
	case strings.HasPrefix(status, "renderer error:"):
		code = observerproto.ErrInternal
	}
	w.send(observerproto.StatusMsg{Type: observerproto.TypeStatus, Status: status, Code: code})
}

func (w *wsRenderer) Registered(key manifest.Key, p *geometry.Primitive, visible bool) {
	w.send(observerproto.PrimitiveMessage(key, p, visible, w.palette))
}

func (w *wsRenderer) VisibilityChanged(key manifest.Key, visible bool) {
	w.send(observerproto.VisibilityMessage(key, visible))
}

func (w *wsRenderer) Released(key manifest.Key) {
	w.send(observerproto.EvictMessage(key))
}

func (w *wsRenderer) Draw(_ context.Context, f viewer.Frame) error {
	visible := 0
	for _, d := range f.Drawables {
		if d.Visible {
			visible++
		}
	}
	b, err := json.Marshal(observerproto.FrameMsg{
		Type:     observerproto.TypeFrame,
		Frame:    f.Seq,
		Tick:     f.Tick,
		Pos:      f.Pose.Position,
		Visible:  visible,
		Resident: f.Stats.Resident,
		Loading:  f.Stats.Loading,
	})
	if err != nil {
		return err
	}
	select {
	case w.tickOut <- b:
	default:
	}
	return nil
}

func (w *wsRenderer) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case w.dataOut <- b:
	case <-w.ctx.Done():
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
