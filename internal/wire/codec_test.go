package wire

import "testing"

func TestConnectRoundTrip(t *testing.T) {
	flags := MakeFlags(0, false, false, true, TopicIDNormal)
	b, err := EncodeConnect(flags, 30, "pico-01")
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	if int(b[0]) != len(b) {
		t.Fatalf("length byte %d != buffer length %d", b[0], len(b))
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != CONNECT || f.ClientID != "pico-01" || f.Duration != 30 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if !f.Flags.CleanSession() {
		t.Fatal("expected clean_session set")
	}
}

func TestPublishRoundTrip(t *testing.T) {
	flags := MakeFlags(1, false, false, false, TopicIDNormal)
	payload := []byte("hello world")
	b, err := EncodePublish(flags, 42, 7, payload)
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.TopicID != 42 || f.MsgID != 7 || string(f.Payload) != "hello world" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Flags.QoS() != 1 {
		t.Fatalf("expected QoS 1, got %d", f.Flags.QoS())
	}
}

func TestDecodeShortHeader(t *testing.T) {
	if _, err := Decode([]byte{0x01}); err == nil {
		t.Fatal("expected malformed error for short header")
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	b := []byte{0x05, byte(PINGREQ), 0, 0}
	if _, err := Decode(b); err == nil {
		t.Fatal("expected malformed error for length mismatch")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	b := []byte{0x02, 0x7F}
	if _, err := Decode(b); err == nil {
		t.Fatal("expected malformed error for unknown type")
	}
}

func TestConnectBadProtocolID(t *testing.T) {
	b, _ := EncodeConnect(MakeFlags(0, false, false, true, TopicIDNormal), 30, "x")
	b[3] = 0x02 // corrupt protocol_id
	if _, err := Decode(b); err == nil {
		t.Fatal("expected malformed error for bad protocol id")
	}
}

func TestPingReqRespRoundTrip(t *testing.T) {
	req := EncodePingreq()
	f, err := Decode(req)
	if err != nil || f.Type != PINGREQ {
		t.Fatalf("PINGREQ round trip failed: %v %+v", err, f)
	}
	resp := EncodePingresp()
	f, err = Decode(resp)
	if err != nil || f.Type != PINGRESP {
		t.Fatalf("PINGRESP round trip failed: %v %+v", err, f)
	}
}

func TestQoS2Handshake(t *testing.T) {
	rec := EncodePubrec(99)
	f, err := Decode(rec)
	if err != nil || f.Type != PUBREC || f.MsgID != 99 {
		t.Fatalf("PUBREC round trip failed: %v %+v", err, f)
	}
	rel := EncodePubrel(99)
	f, err = Decode(rel)
	if err != nil || f.Type != PUBREL || f.MsgID != 99 {
		t.Fatalf("PUBREL round trip failed: %v %+v", err, f)
	}
	comp := EncodePubcomp(99)
	f, err = Decode(comp)
	if err != nil || f.Type != PUBCOMP || f.MsgID != 99 {
		t.Fatalf("PUBCOMP round trip failed: %v %+v", err, f)
	}
}

func TestSubscribeTopicName(t *testing.T) {
	b, err := EncodeSubscribeTopicName(1, 5, "sensors/temp")
	if err != nil {
		t.Fatalf("EncodeSubscribeTopicName: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.TopicName != "sensors/temp" || f.MsgID != 5 || f.Flags.QoS() != 1 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	payload := make([]byte, 300)
	_, err := EncodePublish(MakeFlags(0, false, false, false, TopicIDNormal), 1, 0, payload)
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDisconnectOptionalDuration(t *testing.T) {
	b := EncodeDisconnect(0, false)
	f, err := Decode(b)
	if err != nil || f.HasDuration {
		t.Fatalf("expected no duration: %v %+v", err, f)
	}
	b = EncodeDisconnect(60, true)
	f, err = Decode(b)
	if err != nil || !f.HasDuration || f.Duration != 60 {
		t.Fatalf("expected duration 60: %v %+v", err, f)
	}
}
