package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/quadruped-control/qcc/internal/config"
	"github.com/quadruped-control/qcc/internal/device"
)

// updateBuffer bounds how many undelivered updates a Conn holds before
// telemetry and frames start being dropped oldest-first. The supervisor's
// read loop normally drains far faster than the robot publishes.
const updateBuffer = 64

// Dialer opens WebRTC sessions to the robot described by the config.
type Dialer struct {
	cfg    *config.Config
	client *http.Client
	logger *slog.Logger
}

// NewDialer creates a dialer. The HTTP client is used only for the
// signaling round-trip.
func NewDialer(cfg *config.Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ConnectTimeout},
		logger: logger,
	}
}

// endpoint returns the robot's signaling URL.
func (d *Dialer) endpoint() string {
	host := d.cfg.RobotAddr
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(d.cfg.SignalingPort))
	}
	return fmt.Sprintf("http://%s/offer", host)
}

// Connect implements device.Dialer: it establishes the peer connection,
// opens the data channel, subscribes to the telemetry topics, and returns
// once the link carries traffic.
func (d *Dialer) Connect(ctx context.Context) (device.Conn, error) {
	iceServers := make([]pion.ICEServer, 0, len(d.cfg.ICEServers))
	for _, url := range d.cfg.ICEServers {
		iceServers = append(iceServers, pion.ICEServer{URLs: []string{url}})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, &device.ConnectError{Reason: "creating peer connection", Cause: err}
	}

	conn := newConn(pc, d.cfg.CameraSource, d.logger)

	if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "adding video transceiver", Cause: err}
	}

	dc, err := pc.CreateDataChannel("data", nil)
	if err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "creating data channel", Cause: err}
	}
	conn.bindDataChannel(dc)

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if track.Kind() != pion.RTPCodecTypeVideo {
			return
		}
		go conn.readTrack(track)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		switch state {
		case pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed:
			conn.markDead()
		}
	})

	// Vanilla ICE: gather every candidate before publishing the offer so
	// signaling needs exactly one round-trip.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "creating offer", Cause: err}
	}
	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "setting local description", Cause: err}
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, &device.ConnectError{Reason: "ICE gathering", Cause: ctx.Err()}
	}

	answer, err := exchangeSDP(ctx, d.client, d.endpoint(), pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "signaling", Cause: err}
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, &device.ConnectError{Reason: "setting remote description", Cause: err}
	}

	// The session is usable once the data channel opens.
	select {
	case <-conn.opened:
	case <-conn.closed:
		return nil, &device.ConnectError{Reason: "peer connection failed before data channel opened"}
	case <-ctx.Done():
		pc.Close()
		return nil, &device.ConnectError{Reason: "waiting for data channel", Cause: ctx.Err()}
	}

	for _, topic := range []string{topicLowState, topicSportState} {
		if err := conn.subscribe(topic); err != nil {
			conn.Close()
			return nil, &device.ConnectError{Reason: "subscribing to " + topic, Cause: err}
		}
	}

	d.logger.Info("robot session established", "endpoint", d.endpoint())
	return conn, nil
}

// Conn is one live WebRTC link to the robot.
type Conn struct {
	pc     *pion.PeerConnection
	dc     *pion.DataChannel
	source string
	logger *slog.Logger

	updates chan device.Update
	opened  chan struct{}
	closed  chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once

	requestID atomic.Int64
	frameSeq  atomic.Uint64

	mu      sync.Mutex
	pending map[int64]chan responseBody
}

func newConn(pc *pion.PeerConnection, source string, logger *slog.Logger) *Conn {
	return &Conn{
		pc:      pc,
		source:  source,
		logger:  logger,
		updates: make(chan device.Update, updateBuffer),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
		pending: make(map[int64]chan responseBody),
	}
}

func (c *Conn) bindDataChannel(dc *pion.DataChannel) {
	c.dc = dc
	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnClose(func() {
		c.markDead()
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		c.handleMessage(msg.Data)
	})
}

// subscribe asks the robot to publish a topic on the data channel.
func (c *Conn) subscribe(topic string) error {
	payload, err := encodeSubscribe(topic)
	if err != nil {
		return err
	}
	return c.dc.Send(payload)
}

// SendCommand implements device.Conn. The dispatcher guarantees at most
// one caller at a time; correlation ids exist for the wire, not for
// concurrent sends.
func (c *Conn) SendCommand(ctx context.Context, req device.CommandRequest) (device.Result, error) {
	select {
	case <-c.closed:
		return device.Result{}, device.ErrDisconnected
	default:
	}

	id := c.requestID.Add(1)
	payload, err := encodeRequest(id, req.APIID, req.Parameter)
	if err != nil {
		return device.Result{}, fmt.Errorf("encoding command %s: %w", req.Name, err)
	}

	reply := make(chan responseBody, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.dc.Send(payload); err != nil {
		return device.Result{}, device.ErrDisconnected
	}

	select {
	case resp := <-reply:
		return device.Result{Code: resp.Header.Status.Code, Data: resp.Data}, nil
	case <-c.closed:
		return device.Result{}, device.ErrDisconnected
	case <-ctx.Done():
		return device.Result{}, ctx.Err()
	}
}

// NextUpdate implements device.Conn. Buffered updates drain before a dead
// link is reported.
func (c *Conn) NextUpdate(ctx context.Context) (device.Update, error) {
	select {
	case update := <-c.updates:
		return update, nil
	default:
	}
	select {
	case update := <-c.updates:
		return update, nil
	case <-c.closed:
		return device.Update{}, device.ErrDisconnected
	case <-ctx.Done():
		return device.Update{}, ctx.Err()
	}
}

// Close implements device.Conn.
func (c *Conn) Close() error {
	c.markDead()
	return nil
}

// markDead tears the link down once: pending command replies unblock with
// a dead channel, the read loops stop, and the peer connection closes.
func (c *Conn) markDead() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("peer connection close", "error", err)
		}
	})
}

// handleMessage routes one inbound data channel payload.
func (c *Conn) handleMessage(data []byte) {
	var env envelope
	if err := unmarshalEnvelope(data, &env); err != nil {
		c.logger.Debug("unparseable data channel message", "error", err)
		return
	}

	switch env.Type {
	case envMsg:
		sample, ok, err := decodeSample(env.Topic, env.Data, time.Now())
		if err != nil {
			c.logger.Debug("bad telemetry payload", "topic", env.Topic, "error", err)
			return
		}
		if ok {
			c.pushUpdate(device.Update{Sample: &sample})
		}
	case envResponse:
		var resp responseBody
		if err := unmarshalResponse(env.Data, &resp); err != nil {
			c.logger.Debug("bad response payload", "error", err)
			return
		}
		c.mu.Lock()
		reply, ok := c.pending[resp.Header.Identity.ID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- resp:
			default:
			}
		}
	}
}

// pushUpdate offers an update to the supervisor's read loop without ever
// blocking the data channel callback; when the buffer is full the oldest
// update is dropped.
func (c *Conn) pushUpdate(update device.Update) {
	for {
		select {
		case c.updates <- update:
			return
		case <-c.closed:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}

// readTrack pulls RTP off the inbound video track and groups packets into
// one encoded frame per marker bit.
func (c *Conn) readTrack(track *pion.TrackRemote) {
	var assembly []byte
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.markDead()
			return
		}
		assembly = append(assembly, pkt.Payload...)
		if !pkt.Marker {
			continue
		}

		frame := device.VideoFrame{
			Timestamp: time.Now(),
			Source:    c.source,
			Seq:       c.frameSeq.Add(1),
			Payload:   assembly,
		}
		assembly = nil
		c.pushUpdate(device.Update{Frame: &frame})
	}
}

// Compile-time assertions.
var (
	_ device.Conn   = (*Conn)(nil)
	_ device.Dialer = (*Dialer)(nil)
)
