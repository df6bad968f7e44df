// Package mqttsn implements the MQTT-SN v1.2 client state machine of
// spec.md §4.E: connection, registration-on-publish, subscribe, QoS-0/1/2
// publish handshakes, keep-alive, and inbound PUBLISH dispatch. It drives
// internal/transport (A), internal/wire (B), internal/registry (C) and
// internal/pending (D).
package mqttsn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/picosn/picosn-client/internal/clock"
	"github.com/picosn/picosn-client/internal/metrics"
	"github.com/picosn/picosn-client/internal/pending"
	"github.com/picosn/picosn-client/internal/registry"
	"github.com/picosn/picosn-client/internal/transport"
	"github.com/picosn/picosn-client/internal/wire"
)

// State is one of the three states the client cycles through.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sentinel errors, named per spec.md §7.
var (
	ErrNotConnected   = errors.New("mqttsn: not connected")
	ErrTimeout        = errors.New("mqttsn: operation timed out")
	ErrDeliveryFailed = errors.New("mqttsn: delivery failed after retry budget exhausted")
	ErrPayloadTooLarge = errors.New("mqttsn: payload exceeds maximum PUBLISH frame size")
)

// RejectedError wraps a gateway-reported non-zero return code.
type RejectedError struct {
	Code wire.ReturnCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mqttsn: rejected: %s", e.Code)
}

// PublishHandler receives an inbound PUBLISH payload on topics a caller
// registered interest in via Subscribe, or via RegisterPublishHandler.
type PublishHandler func(topic string, payload []byte, qos byte, msgID uint16)

// connectMsgID is a reserved sentinel: CONNECT/CONNACK carry no msg_id on
// the wire, so outstanding-operation bookkeeping keys the single in-flight
// CONNECT on msg_id 0 (msg_id 0 is otherwise reserved and never allocated
// to a real PUBLISH/REGISTER/SUBSCRIBE).
const connectMsgID = 0

type opResult struct {
	done       bool
	err        error
	topicID    uint16
}

// Client is the MQTT-SN client state machine. Not safe for concurrent use:
// it is driven from a single cooperative loop via Poll, matching the
// single-threaded event-loop model of spec.md §5.
type Client struct {
	transport *transport.Transport
	clk       clock.Clock
	registry  *registry.Registry
	pending   *pending.Table

	gatewayIP   net.IP
	gatewayPort int
	clientID    string
	keepAliveS  uint16

	state        State
	connectErr   error
	lastSendMs   int64
	lastPingSent int64
	pingOutstanding int

	nextMsgID uint16
	queue     frameQueue

	outstanding map[uint16]*opResult

	seenInbound    [16]seenEntry
	seenInboundPos int

	handlers       map[string]PublishHandler
	defaultHandler PublishHandler

	malformedCount uint64
}

type seenEntry struct {
	topicID uint16
	msgID   uint16
	valid   bool
}

// New creates a client bound to the given transport, using clk for
// retry/timeout bookkeeping and registryCapacity for the topic registry.
func New(t *transport.Transport, clk clock.Clock, registryCapacity int) *Client {
	c := &Client{
		transport:   t,
		clk:         clk,
		registry:    registry.New(registryCapacity),
		outstanding: make(map[uint16]*opResult),
		handlers:    make(map[string]PublishHandler),
		nextMsgID:   1,
	}
	c.pending = pending.New(clk, senderFunc(func(frame []byte) error {
		return c.rawSend(frame)
	}))
	return c
}

// senderFunc adapts a function literal to pending.Sender.
type senderFunc func([]byte) error

func (f senderFunc) Send(frame []byte) error { return f(frame) }

// SetGateway records the gateway endpoint used for every outbound frame.
func (c *Client) SetGateway(ip net.IP, port int) {
	c.gatewayIP = ip
	c.gatewayPort = port
}

// RegisterPublishHandler wires a handler for inbound PUBLISH frames whose
// topic name resolves to topic. Used by the block-transfer sender/receiver
// to claim the chunk and retransmit-request topics (spec.md §4.H).
func (c *Client) RegisterPublishHandler(topic string, h PublishHandler) {
	c.handlers[topic] = h
}

// SetDefaultHandler sets the fallback for PUBLISH frames on topics with no
// registered handler.
func (c *Client) SetDefaultHandler(h PublishHandler) {
	c.defaultHandler = h
}

// State reports the current connection state.
func (c *Client) State() State { return c.state }

// MalformedCount reports how many inbound frames failed to decode.
func (c *Client) MalformedCount() uint64 { return c.malformedCount }

// DroppedCount reports how many inbound frames were dropped because the
// bounded frame queue was full.
func (c *Client) DroppedCount() uint64 { return c.queue.dropped }

// ClientStats summarizes client-level round-trip performance, grounded on
// the original firmware's mqtt_sn_reset_latency_stats (spec.md §9
// supplemented features).
type ClientStats struct {
	PubAckLatency pending.LatencyStats
}

// Stats returns a snapshot of accumulated PUBACK/PUBCOMP round-trip
// latency statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{PubAckLatency: c.pending.Stats()}
}

// RegistrySnapshot returns the current topic registry contents, for
// persistence by internal/store across restarts (spec.md §9 supplemented
// features).
func (c *Client) RegistrySnapshot() []registry.Entry {
	return c.registry.Entries()
}

// SeedRegistry restores a previously persisted registry snapshot. Call
// before Connect. Seeded entries are used as-is: RegisterTopic returns a
// seeded id without contacting the gateway, so they are not re-validated
// against a gateway that may have forgotten them.
func (c *Client) SeedRegistry(entries []registry.Entry) {
	for _, e := range entries {
		c.registry.InsertOrUpdate(e.Name, e.ID, e.Source)
	}
}

func (c *Client) nextID() uint16 {
	id := c.nextMsgID
	c.nextMsgID++
	if c.nextMsgID == 0 {
		c.nextMsgID = 1
	}
	return id
}

func (c *Client) rawSend(frame []byte) error {
	err := c.transport.Send(c.gatewayIP, c.gatewayPort, frame)
	if err == nil {
		c.lastSendMs = c.clk.NowMillis()
		if len(frame) >= 2 {
			metrics.FramesSent.WithLabelValues(wire.MsgType(frame[1]).String()).Inc()
		}
	}
	return err
}

// Connect sends CONNECT with clean_session set and blocks (cooperatively
// polling) for up to 5s for CONNACK.
func (c *Client) Connect(clientID string, keepAliveS uint16) error {
	c.clientID = clientID
	c.keepAliveS = keepAliveS
	flags := wire.MakeFlags(0, false, false, true, wire.TopicIDNormal)
	frame, err := wire.EncodeConnect(flags, keepAliveS, clientID)
	if err != nil {
		return err
	}
	c.state = Connecting
	c.connectErr = nil
	if err := c.rawSend(frame); err != nil {
		c.state = Disconnected
		return err
	}
	if err := c.pending.Register(connectMsgID, pending.Connect, frame); err != nil {
		c.state = Disconnected
		return err
	}
	if err := c.waitFor(5*time.Second, func() bool { return c.state != Connecting }); err != nil {
		c.pending.Resolve(connectMsgID, pending.Connect)
		c.state = Disconnected
		return ErrTimeout
	}
	return c.connectErr
}

// Subscribe emits SUBSCRIBE with topic-name type and waits up to 5s for a
// matching SUBACK. On success it records topic→topic_id with source
// SubackAssigned.
func (c *Client) Subscribe(topic string, qos byte) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	msgID := c.nextID()
	frame, err := wire.EncodeSubscribeTopicName(qos, msgID, topic)
	if err != nil {
		return err
	}
	res := &opResult{}
	c.outstanding[msgID] = res
	defer delete(c.outstanding, msgID)

	if err := c.rawSend(frame); err != nil {
		return err
	}
	if err := c.pending.Register(msgID, pending.Subscribe, frame); err != nil {
		return err
	}
	if err := c.waitFor(5*time.Second, func() bool { return res.done }); err != nil {
		c.pending.Resolve(msgID, pending.Subscribe)
		return ErrTimeout
	}
	if res.err != nil {
		return res.err
	}
	c.registry.InsertOrUpdate(topic, res.topicID, registry.SubackAssigned)
	return nil
}

// RegisterTopic resolves topic to a topic_id, registering it with the
// gateway (REGISTER/REGACK) if the registry has no entry yet. Idempotent.
func (c *Client) RegisterTopic(topic string) (uint16, error) {
	if id, ok := c.registry.FindByName(topic); ok {
		return id, nil
	}
	if c.state != Connected {
		return 0, ErrNotConnected
	}
	msgID := c.nextID()
	frame, err := wire.EncodeRegister(0, msgID, topic)
	if err != nil {
		return 0, err
	}
	res := &opResult{}
	c.outstanding[msgID] = res
	defer delete(c.outstanding, msgID)

	if err := c.rawSend(frame); err != nil {
		return 0, err
	}
	if err := c.pending.Register(msgID, pending.Register, frame); err != nil {
		return 0, err
	}
	if err := c.waitFor(3*time.Second, func() bool { return res.done }); err != nil {
		c.pending.Resolve(msgID, pending.Register)
		return 0, ErrTimeout
	}
	if res.err != nil {
		return 0, res.err
	}
	c.registry.InsertOrUpdate(topic, res.topicID, registry.GatewayRegistered)
	return res.topicID, nil
}

// Publish resolves topic to a topic_id (registering on miss), then sends
// PUBLISH under the requested QoS semantics.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	topicID, err := c.RegisterTopic(topic)
	if err != nil {
		return err
	}

	switch qos {
	case 0:
		return c.publishQoS0(topicID, payload)
	case 1:
		return c.publishQoS1(topicID, payload)
	case 2:
		return c.publishQoS2(topicID, payload)
	default:
		return fmt.Errorf("mqttsn: unsupported qos %d", qos)
	}
}

func (c *Client) publishQoS0(topicID uint16, payload []byte) error {
	flags := wire.MakeFlags(0, false, false, false, wire.TopicIDNormal)
	frame, err := wire.EncodePublish(flags, topicID, 0, payload)
	if err != nil {
		return classifyEncodeErr(err)
	}
	return c.rawSend(frame)
}

func (c *Client) publishQoS1(topicID uint16, payload []byte) error {
	msgID := c.nextID()
	flags := wire.MakeFlags(1, false, false, false, wire.TopicIDNormal)
	frame, err := wire.EncodePublish(flags, topicID, msgID, payload)
	if err != nil {
		return classifyEncodeErr(err)
	}
	res := &opResult{}
	c.outstanding[msgID] = res
	defer delete(c.outstanding, msgID)

	if err := c.rawSend(frame); err != nil {
		return err
	}
	if err := c.pending.Register(msgID, pending.PublishQ1, frame); err != nil {
		return err
	}
	if err := c.waitForWithRetry(msgID, func() bool { return res.done }); err != nil {
		return err
	}
	return res.err
}

func (c *Client) publishQoS2(topicID uint16, payload []byte) error {
	msgID := c.nextID()
	flags := wire.MakeFlags(2, false, false, false, wire.TopicIDNormal)
	frame, err := wire.EncodePublish(flags, topicID, msgID, payload)
	if err != nil {
		return classifyEncodeErr(err)
	}
	res := &opResult{}
	c.outstanding[msgID] = res
	defer delete(c.outstanding, msgID)

	if err := c.rawSend(frame); err != nil {
		return err
	}
	if err := c.pending.Register(msgID, pending.PublishQ2Rec, frame); err != nil {
		return err
	}
	if err := c.waitForWithRetry(msgID, func() bool { return res.done }); err != nil {
		return err
	}
	return res.err
}

func classifyEncodeErr(err error) error {
	if errors.Is(err, wire.ErrFrameTooLarge) {
		return ErrPayloadTooLarge
	}
	return err
}

// waitForWithRetry blocks cooperatively until done() is true or the
// pending-table retry budget for msgID is exhausted (DeliveryFailed).
func (c *Client) waitForWithRetry(msgID uint16, done func() bool) error {
	for {
		c.Poll()
		if done() {
			return nil
		}
		if _, ok := c.pending.Get(msgID); !ok {
			// Entry left the table without resolving: Disconnect cleared
			// the table, or it was never registered. (A retry-budget
			// failure reported by Poll marks the wait done instead.)
			if c.state != Connected {
				return ErrNotConnected
			}
			return ErrDeliveryFailed
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitFor blocks cooperatively, polling the transport, until done() is
// true or timeout elapses.
func (c *Client) waitFor(timeout time.Duration, done func() bool) error {
	deadline := c.clk.NowMillis() + timeout.Milliseconds()
	for {
		c.Poll()
		if done() {
			return nil
		}
		if c.clk.NowMillis() >= deadline {
			return ErrTimeout
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Disconnect emits DISCONNECT, clears all pending entries, and leaves the
// topic registry intact for reconnection reuse.
func (c *Client) Disconnect() error {
	frame := wire.EncodeDisconnect(0, false)
	err := c.rawSend(frame)
	c.pending.Clear()
	c.state = Disconnected
	return err
}

// Poll drains the transport into the bounded frame queue, then processes
// each frame in order, and ticks the pending-message table. It never
// blocks.
func (c *Client) Poll() {
	buf := make([]byte, wire.MaxFrameLen)
	for {
		n, err := c.transport.Recv(buf, 0)
		if err != nil || n == 0 {
			break
		}
		c.queue.push(buf[:n])
	}
	for {
		raw, ok := c.queue.pop()
		if !ok {
			break
		}
		c.dispatch(raw)
	}
	for _, failure := range c.pending.Tick(c.clk.NowMillis()) {
		c.handleFailure(failure)
	}
	c.tickKeepAlive()
}

func (c *Client) handleFailure(f pending.Failure) {
	if f.Kind == pending.PublishQ1 || f.Kind == pending.PublishQ2Rec || f.Kind == pending.PublishQ2Comp {
		metrics.PubAckTimeouts.Inc()
	}
	if res, ok := c.outstanding[f.MsgID]; ok {
		res.done = true
		res.err = ErrDeliveryFailed
		return
	}
	if f.MsgID == connectMsgID {
		c.connectErr = ErrTimeout
		c.state = Disconnected
	}
}

func (c *Client) tickKeepAlive() {
	if c.state != Connected || c.keepAliveS == 0 {
		return
	}
	now := c.clk.NowMillis()
	halfPeriodMs := int64(c.keepAliveS) * 1000 / 2
	if now-c.lastSendMs > halfPeriodMs {
		_ = c.rawSend(wire.EncodePingreq())
		c.lastPingSent = now
		c.pingOutstanding++
		if c.pingOutstanding > 2 {
			c.state = Disconnected
		}
	}
}

func (c *Client) dispatch(raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		c.malformedCount++
		metrics.MalformedFrames.Inc()
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case wire.CONNACK:
		c.pending.Resolve(connectMsgID, pending.Connect)
		if f.ReturnCode == wire.Accepted {
			c.state = Connected
			c.connectErr = nil
		} else {
			c.state = Disconnected
			c.connectErr = &RejectedError{Code: f.ReturnCode}
		}

	case wire.REGACK:
		if res, ok := c.outstanding[f.MsgID]; ok {
			c.pending.Resolve(f.MsgID, pending.Register)
			res.done = true
			res.topicID = f.TopicID
			if f.ReturnCode != wire.Accepted {
				res.err = &RejectedError{Code: f.ReturnCode}
			}
		}

	case wire.SUBACK:
		if res, ok := c.outstanding[f.MsgID]; ok {
			c.pending.Resolve(f.MsgID, pending.Subscribe)
			res.done = true
			res.topicID = f.TopicID
			if f.ReturnCode != wire.Accepted {
				res.err = &RejectedError{Code: f.ReturnCode}
			}
		}

	case wire.PUBACK:
		if c.pending.Resolve(f.MsgID, pending.PublishQ1) {
			metrics.PubAckLatencySeconds.Observe(float64(c.pending.Stats().LastMs) / 1000)
		}
		if res, ok := c.outstanding[f.MsgID]; ok {
			res.done = true
			if f.ReturnCode != wire.Accepted {
				res.err = &RejectedError{Code: f.ReturnCode}
			}
		}

	case wire.PUBREC:
		pubrel := wire.EncodePubrel(f.MsgID)
		if c.pending.Advance(f.MsgID, pending.PublishQ2Rec, pending.PublishQ2Comp, pubrel) {
			_ = c.rawSend(pubrel)
		}

	case wire.PUBCOMP:
		if c.pending.Resolve(f.MsgID, pending.PublishQ2Comp) {
			metrics.PubAckLatencySeconds.Observe(float64(c.pending.Stats().LastMs) / 1000)
		}
		if res, ok := c.outstanding[f.MsgID]; ok {
			res.done = true
		}

	case wire.PUBLISH:
		c.dispatchPublish(f)

	case wire.PINGREQ:
		_ = c.rawSend(wire.EncodePingresp())

	case wire.PINGRESP:
		c.pingOutstanding = 0

	case wire.REGISTER:
		// Gateway-initiated registration: accept and store the mapping.
		c.registry.InsertOrUpdate(f.TopicName, f.TopicID, registry.GatewayRegistered)
		_ = c.rawSend(wire.EncodeRegack(f.TopicID, f.MsgID, wire.Accepted))

	case wire.DISCONNECT:
		c.state = Disconnected

	default:
		// Unsupported/out-of-scope message types (ADVERTISE, SEARCHGW,
		// GWINFO, WILLTOPICREQ, ...) are silently ignored.
	}
}

func (c *Client) dispatchPublish(f wire.Frame) {
	if f.Flags.QoS() == 1 {
		if c.seen(f.TopicID, f.MsgID) {
			// Duplicate: re-emit PUBACK but do not redeliver the payload.
			_ = c.rawSend(wire.EncodePuback(f.TopicID, f.MsgID, wire.Accepted))
			return
		}
		c.remember(f.TopicID, f.MsgID)
		_ = c.rawSend(wire.EncodePuback(f.TopicID, f.MsgID, wire.Accepted))
	}

	topic, ok := c.registry.FindByID(f.TopicID)
	if !ok {
		topic = fmt.Sprintf("unknown/%d", f.TopicID)
	}

	handler := c.handlers[topic]
	if handler == nil {
		handler = c.defaultHandler
	}
	if handler != nil {
		handler(topic, f.Payload, f.Flags.QoS(), f.MsgID)
	}
}

func (c *Client) seen(topicID, msgID uint16) bool {
	for _, e := range c.seenInbound {
		if e.valid && e.topicID == topicID && e.msgID == msgID {
			return true
		}
	}
	return false
}

func (c *Client) remember(topicID, msgID uint16) {
	c.seenInbound[c.seenInboundPos] = seenEntry{topicID: topicID, msgID: msgID, valid: true}
	c.seenInboundPos = (c.seenInboundPos + 1) % len(c.seenInbound)
}
