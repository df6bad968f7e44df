package transport

import (
	"net"
	"testing"
	"time"
)

func TestSendRecvLoopback(t *testing.T) {
	a, err := Open(0)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()

	b, err := Open(0)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.Send(bAddr.IP, bAddr.Port, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	n, err := b.Recv(buf, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
}

func TestRecvTimesOutWithoutData(t *testing.T) {
	a, err := Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	buf := make([]byte, 64)
	n, err := a.Recv(buf, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no data, got %d bytes", n)
	}
}

func TestRecvNonBlockingReturnsImmediately(t *testing.T) {
	a, err := Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	buf := make([]byte, 64)
	start := time.Now()
	n, err := a.Recv(buf, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no data, got %d bytes", n)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected immediate return, took %v", elapsed)
	}
}

func TestSecondSlotOverflowDropsAndCounts(t *testing.T) {
	a, err := Open(0)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()

	b, err := Open(0)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	for i := 0; i < 5; i++ {
		if err := a.Send(bAddr.IP, bAddr.Port, []byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 64)
	n, err := b.Recv(buf, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 byte from the cached datagram, got %d", n)
	}
	if b.DroppedCount() == 0 {
		t.Fatal("expected some datagrams to be dropped by the single-slot cache")
	}
}

func TestSendAfterCloseReturnsNotConnected(t *testing.T) {
	a, err := Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Close()

	err = a.Send(net.IPv4(127, 0, 0, 1), 12345, []byte("x"))
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
