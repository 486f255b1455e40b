package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"orientlink/pkg/engine"
	"orientlink/pkg/protocol"
)

const (
	logLevelInfo = 2
	degToRad     = math.Pi / 180.0
)

// Server exposes received readings to Foxglove Studio over websocket.
type Server struct {
	cfg     Config
	hub     *engine.Hub
	log     zerolog.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex

	ready chan struct{}
	done  chan struct{}
	addr  net.Addr
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		log:     log,
		clients: make(map[*client]struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ready is closed once the websocket port is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once Run has returned, including when the bind failed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)

	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.WSAddr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.hub != nil {
		sub := s.hub.Subscribe()
		go s.broadcastLoop(ctx, sub)
	}

	s.log.Info().Msgf("Foxglove bridge on ws://%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer func() {
		c.close()
		s.removeClient(c)
	}()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}

	go c.writeLoop()
	c.readLoop(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		s.cfg.SampleChannelID:    {},
		s.cfg.TransformChannelID: {},
		s.cfg.LogChannelID:       {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          uuid.NewString(),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{
			ID:             s.cfg.SampleChannelID,
			Topic:          s.cfg.SampleTopic,
			Encoding:       "json",
			SchemaName:     "orientlink.Sample",
			SchemaEncoding: "jsonschema",
			Schema:         SampleSchema,
		},
		{
			ID:             s.cfg.TransformChannelID,
			Topic:          s.cfg.TransformTopic,
			Encoding:       "json",
			SchemaName:     "foxglove.FrameTransforms",
			SchemaEncoding: "jsonschema",
			Schema:         TransformSchema,
		},
		{
			ID:             s.cfg.LogChannelID,
			Topic:          s.cfg.LogTopic,
			Encoding:       "json",
			SchemaName:     "foxglove.Log",
			SchemaEncoding: "jsonschema",
			Schema:         LogSchema,
		},
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastReading(reading)
		}
	}
}

func (s *Server) broadcastReading(reading protocol.Reading) {
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if len(reading.Raw) > 0 {
		s.publishJSONToChannel(s.cfg.LogChannelID, ts, s.logFromReading(reading, ts))
	}
	for _, sample := range reading.Samples {
		s.publishJSONToChannel(s.cfg.SampleChannelID, ts, s.sampleMessage(reading, sample, ts))
		s.publishJSONToChannel(s.cfg.TransformChannelID, ts, s.transformFromSample(sample, ts))
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) sampleMessage(reading protocol.Reading, sample protocol.Sample, ts time.Time) SampleMessage {
	rounded := sample.Rounded(s.cfg.Precision)
	return SampleMessage{
		TS:     ts.UTC().Format(time.RFC3339Nano),
		ConnID: reading.ConnID,
		Remote: reading.Remote,
		X:      rounded.X,
		Y:      rounded.Y,
		Z:      rounded.Z,
		Text:   rounded.Format(s.cfg.Precision),
	}
}

func (s *Server) logFromReading(reading protocol.Reading, ts time.Time) LogMessage {
	return LogMessage{
		Timestamp: frameTime(ts),
		Level:     logLevelInfo,
		Message:   reading.Text(),
		Name:      s.cfg.LogName,
	}
}

func (s *Server) transformFromSample(sample protocol.Sample, ts time.Time) FrameTransformsMessage {
	return FrameTransformsMessage{Transforms: []FrameTransformMessage{{
		Timestamp:     frameTime(ts),
		ParentFrameID: s.cfg.ParentFrameID,
		ChildFrameID:  s.cfg.FrameID,
		Rotation:      EulerToQuaternion(sample),
	}}}
}

// EulerToQuaternion reads the sample as roll (X), pitch (Y) and yaw (Z) in
// degrees and returns the unit quaternion of the ZYX intrinsic rotation.
func EulerToQuaternion(sample protocol.Sample) Quaternion {
	roll := sample.X * degToRad
	pitch := sample.Y * degToRad
	yaw := sample.Z * degToRad

	cr, sr := math.Cos(roll*0.5), math.Sin(roll*0.5)
	cp, sp := math.Cos(pitch*0.5), math.Sin(pitch*0.5)
	cy, sy := math.Cos(yaw*0.5), math.Sin(yaw*0.5)

	q := Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
	norm := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if norm == 0 {
		return Quaternion{W: 1}
	}
	return Quaternion{X: q.X / norm, Y: q.Y / norm, Z: q.Z / norm, W: q.W / norm}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops the frame when the client is slow or already closed.
func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
