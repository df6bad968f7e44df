// Command picosn-bridge is a minimal MQTT-SN gateway: it listens for UDP
// traffic in the wire format internal/wire speaks and re-publishes decoded
// PUBLISH payloads onto a real MQTT broker over paho, giving picosn-client
// something to CONNECT/SUBSCRIBE/PUBLISH against without a production
// gateway (spec.md §1's "external collaborator", shipped here only for
// integration testing and local demos).
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/picosn/picosn-client/internal/wire"
)

var (
	listenPort = flag.Int("listen", 1884, "UDP port to listen for MQTT-SN traffic")
	broker     = flag.String("broker", "tcp://127.0.0.1:1883", "MQTT broker address")
	clientID   = flag.String("client", "picosn-bridge", "MQTT client id used against the broker")
)

// clientState tracks one MQTT-SN peer's topic registry, since topic ids
// are only meaningful per-gateway-connection (spec.md §4.C).
type clientState struct {
	mu         sync.Mutex
	nextID     uint16
	nameByID   map[uint16]string
	idByName   map[string]uint16
}

func newClientState() *clientState {
	return &clientState{
		nextID:   1,
		nameByID: make(map[uint16]string),
		idByName: make(map[string]uint16),
	}
}

func (c *clientState) register(name string) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.idByName[name]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.idByName[name] = id
	c.nameByID[id] = name
	return id
}

func (c *clientState) lookup(id uint16) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.nameByID[id]
	return name, ok
}

type gateway struct {
	conn    *net.UDPConn
	mqtt    mqtt.Client
	mu      sync.Mutex
	clients map[string]*clientState // client UDP addr -> state
}

func main() {
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	mqttClient := mqtt.NewClient(opts)
	token := mqttClient.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		log.Fatalf("connecting to broker %s: %v", *broker, token.Error())
	}
	log.Printf("connected to broker %s as %s", *broker, *clientID)

	addr := &net.UDPAddr{Port: *listenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("listening on UDP :%d: %v", *listenPort, err)
	}
	defer conn.Close()
	log.Printf("listening for MQTT-SN traffic on :%d", *listenPort)

	gw := &gateway{conn: conn, mqtt: mqttClient, clients: make(map[string]*clientState)}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		conn.Close()
		mqttClient.Disconnect(250)
	}()

	gw.serve()
}

func (gw *gateway) serve() {
	buf := make([]byte, wire.MaxFrameLen)
	for {
		n, addr, err := gw.conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("read loop exiting: %v", err)
			return
		}
		f, err := wire.Decode(buf[:n])
		if err != nil {
			log.Printf("malformed frame from %s: %v", addr, err)
			continue
		}
		gw.handle(addr, f)
	}
}

func (gw *gateway) stateFor(addr *net.UDPAddr) *clientState {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	key := addr.String()
	st, ok := gw.clients[key]
	if !ok {
		st = newClientState()
		gw.clients[key] = st
	}
	return st
}

func (gw *gateway) send(addr *net.UDPAddr, frame []byte) {
	if _, err := gw.conn.WriteToUDP(frame, addr); err != nil {
		log.Printf("sending to %s: %v", addr, err)
	}
}

func (gw *gateway) handle(addr *net.UDPAddr, f wire.Frame) {
	st := gw.stateFor(addr)

	switch f.Type {
	case wire.CONNECT:
		log.Printf("CONNECT from %s client_id=%s", addr, f.ClientID)
		gw.send(addr, wire.EncodeConnack(wire.Accepted))

	case wire.REGISTER:
		id := st.register(f.TopicName)
		gw.send(addr, wire.EncodeRegack(id, f.MsgID, wire.Accepted))

	case wire.SUBSCRIBE:
		id := st.register(f.TopicName)
		flags := wire.MakeFlags(f.Flags.QoS(), false, false, false, wire.TopicIDNormal)
		gw.send(addr, wire.EncodeSuback(flags, id, f.MsgID, wire.Accepted))
		if token := gw.mqtt.Subscribe(f.TopicName, f.Flags.QoS(), nil); token.Wait() && token.Error() != nil {
			log.Printf("broker subscribe %q failed: %v", f.TopicName, token.Error())
		}

	case wire.PUBLISH:
		topic, ok := st.lookup(f.TopicID)
		if !ok {
			topic = fmt.Sprintf("unknown/%d", f.TopicID)
		}
		qos := f.Flags.QoS()
		token := gw.mqtt.Publish(topic, qos, false, f.Payload)
		rc := wire.Accepted
		if qos > 0 {
			if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
				rc = wire.Congestion
			}
		}
		switch qos {
		case 1:
			gw.send(addr, wire.EncodePuback(f.TopicID, f.MsgID, rc))
		case 2:
			gw.send(addr, wire.EncodePubrec(f.MsgID))
		}

	case wire.PUBREL:
		gw.send(addr, wire.EncodePubcomp(f.MsgID))

	case wire.PINGREQ:
		gw.send(addr, wire.EncodePingresp())

	case wire.DISCONNECT:
		gw.mu.Lock()
		delete(gw.clients, addr.String())
		gw.mu.Unlock()

	default:
		log.Printf("ignoring unsupported frame type %s from %s", f.Type, addr)
	}
}
