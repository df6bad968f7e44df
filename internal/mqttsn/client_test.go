package mqttsn

import (
	"net"
	"testing"
	"time"

	"github.com/picosn/picosn-client/internal/clock"
	"github.com/picosn/picosn-client/internal/transport"
	"github.com/picosn/picosn-client/internal/wire"
)

func newFakeGateway(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func newTestClient(t *testing.T, gw *net.UDPAddr) *Client {
	t.Helper()
	tr, err := transport.Open(0)
	if err != nil {
		t.Fatalf("transport.Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	c := New(tr, clock.NewSystemClock(), 20)
	c.SetGateway(gw.IP, gw.Port)
	return c
}

func TestConnectAccepted(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	go func() {
		buf := make([]byte, 256)
		n, addr, err := gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := wire.Decode(buf[:n])
		if err != nil || f.Type != wire.CONNECT {
			return
		}
		gw.WriteToUDP(wire.EncodeConnack(wire.Accepted), addr)
	}()

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("expected Connected, got %v", c.State())
	}
}

func TestConnectRejected(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	go func() {
		buf := make([]byte, 256)
		n, addr, err := gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := wire.Decode(buf[:n]); err != nil {
			return
		}
		gw.WriteToUDP(wire.EncodeConnack(wire.Congestion), addr)
	}()

	c := newTestClient(t, gwAddr)
	err := c.Connect("dev1", 60)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if _, ok := err.(*RejectedError); !ok {
		t.Fatalf("expected *RejectedError, got %T: %v", err, err)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected Disconnected after rejection, got %v", c.State())
	}
}

// connectGateway drives a background goroutine that accepts exactly one
// CONNECT and replies Accepted, then hands control to handleRest for
// whatever the test needs next.
func connectGateway(t *testing.T, gw *net.UDPConn, handleRest func(clientAddr *net.UDPAddr)) {
	t.Helper()
	buf := make([]byte, 256)
	n, addr, err := gw.ReadFromUDP(buf)
	if err != nil {
		return
	}
	f, err := wire.Decode(buf[:n])
	if err != nil || f.Type != wire.CONNECT {
		t.Errorf("expected CONNECT, got %+v err=%v", f, err)
		return
	}
	gw.WriteToUDP(wire.EncodeConnack(wire.Accepted), addr)
	if handleRest != nil {
		handleRest(addr)
	}
}

func TestRegisterTopicThenPublishQoS1(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		buf := make([]byte, 256)
		// REGISTER
		n, addr, err := gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := wire.Decode(buf[:n])
		if err != nil || f.Type != wire.REGISTER {
			t.Errorf("expected REGISTER, got %+v err=%v", f, err)
			return
		}
		gw.WriteToUDP(wire.EncodeRegack(42, f.MsgID, wire.Accepted), addr)

		// PUBLISH (QoS1)
		n, addr, err = gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err = wire.Decode(buf[:n])
		if err != nil || f.Type != wire.PUBLISH {
			t.Errorf("expected PUBLISH, got %+v err=%v", f, err)
			return
		}
		if f.TopicID != 42 {
			t.Errorf("expected topic id 42, got %d", f.TopicID)
		}
		gw.WriteToUDP(wire.EncodePuback(42, f.MsgID, wire.Accepted), addr)
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Publish("sensors/temp", []byte("23.5"), 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id, ok := c.registry.FindByName("sensors/temp")
	if !ok || id != 42 {
		t.Fatalf("expected registry entry 42, got %d ok=%v", id, ok)
	}
	if stats := c.Stats(); stats.PubAckLatency.Count != 1 {
		t.Fatalf("expected 1 recorded PUBACK latency sample, got %d", stats.PubAckLatency.Count)
	}
}

func TestPublishQoS2Handshake(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		buf := make([]byte, 256)
		n, addr, err := gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, _ := wire.Decode(buf[:n])
		gw.WriteToUDP(wire.EncodeRegack(7, f.MsgID, wire.Accepted), addr)

		n, addr, err = gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err = wire.Decode(buf[:n])
		if err != nil || f.Type != wire.PUBLISH || f.Flags.QoS() != 2 {
			t.Errorf("expected QoS2 PUBLISH, got %+v err=%v", f, err)
			return
		}
		gw.WriteToUDP(wire.EncodePubrec(f.MsgID), addr)

		n, addr, err = gw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err = wire.Decode(buf[:n])
		if err != nil || f.Type != wire.PUBREL {
			t.Errorf("expected PUBREL, got %+v err=%v", f, err)
			return
		}
		gw.WriteToUDP(wire.EncodePubcomp(f.MsgID), addr)
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Publish("sensors/temp", []byte("23.5"), 2); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestInboundPublishDispatchAndUnknownTopic(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	var clientAddrCh = make(chan *net.UDPAddr, 1)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		clientAddrCh <- clientAddr
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clientAddr := <-clientAddrCh

	var received []string
	c.SetDefaultHandler(func(topic string, payload []byte, qos byte, msgID uint16) {
		received = append(received, topic)
	})

	frame, err := wire.EncodePublish(wire.MakeFlags(0, false, false, false, wire.TopicIDNormal), 999, 0, []byte("hi"))
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	if _, err := gw.WriteTo(frame, clientAddr); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		c.Poll()
		time.Sleep(2 * time.Millisecond)
	}
	if len(received) != 1 || received[0] != "unknown/999" {
		t.Fatalf("expected [unknown/999], got %v", received)
	}
}

func TestDuplicateQoS1PublishSuppressesRedelivery(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	var clientAddrCh = make(chan *net.UDPAddr, 1)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		clientAddrCh <- clientAddr
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clientAddr := <-clientAddrCh

	var deliveries int
	c.SetDefaultHandler(func(topic string, payload []byte, qos byte, msgID uint16) {
		deliveries++
	})

	frame, err := wire.EncodePublish(wire.MakeFlags(1, false, false, false, wire.TopicIDNormal), 5, 100, []byte("chunk"))
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	gw.WriteTo(frame, clientAddr)
	gw.WriteTo(frame, clientAddr) // duplicate, as if PUBACK was lost

	deadline := time.Now().Add(2 * time.Second)
	for deliveries == 0 && time.Now().Before(deadline) {
		c.Poll()
		time.Sleep(2 * time.Millisecond)
	}
	// One more poll round to let the duplicate arrive and be suppressed.
	time.Sleep(20 * time.Millisecond)
	c.Poll()

	if deliveries != 1 {
		t.Fatalf("expected exactly 1 delivery despite duplicate PUBLISH, got %d", deliveries)
	}
}

func TestPingreqAnsweredWithPingresp(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	var clientAddrCh = make(chan *net.UDPAddr, 1)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		clientAddrCh <- clientAddr
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clientAddr := <-clientAddrCh

	gw.WriteTo(wire.EncodePingreq(), clientAddr)

	buf := make([]byte, 256)
	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 50; i++ {
		c.Poll()
		n, _, err := gw.ReadFromUDP(buf)
		if err == nil {
			f, decErr := wire.Decode(buf[:n])
			if decErr == nil && f.Type == wire.PINGRESP {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
		gw.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	}
	t.Fatal("expected a PINGRESP in reply to PINGREQ")
}

func TestMalformedFrameIsCountedAndDiscarded(t *testing.T) {
	gw, gwAddr := newFakeGateway(t)
	var clientAddrCh = make(chan *net.UDPAddr, 1)
	go connectGateway(t, gw, func(clientAddr *net.UDPAddr) {
		clientAddrCh <- clientAddr
	})

	c := newTestClient(t, gwAddr)
	if err := c.Connect("dev1", 60); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clientAddr := <-clientAddrCh

	// Length byte deliberately wrong.
	gw.WriteTo([]byte{0xFF, byte(wire.PINGREQ)}, clientAddr)

	deadline := time.Now().Add(500 * time.Millisecond)
	for c.MalformedCount() == 0 && time.Now().Before(deadline) {
		c.Poll()
		time.Sleep(2 * time.Millisecond)
	}
	if c.MalformedCount() != 1 {
		t.Fatalf("expected 1 malformed frame counted, got %d", c.MalformedCount())
	}
	if c.State() != Connected {
		t.Fatalf("malformed frame must not change connection state, got %v", c.State())
	}
}
