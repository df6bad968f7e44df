package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed wraps every frame-decoding failure: short header, length
// mismatch, unknown type, or an invalid flag combination. Per spec.md §7 it
// is always logged and dropped by the caller, never surfaced to the
// application.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return "wire: malformed frame: " + e.Reason }

func malformed(format string, args ...any) error {
	return &ErrMalformed{Reason: fmt.Sprintf(format, args...)}
}

// ErrFrameTooLarge is returned by an encoder whose output would exceed
// MaxFrameLen (255 bytes, the short-form length byte's ceiling).
var ErrFrameTooLarge = errors.New("wire: encoded frame exceeds 255 bytes")

func finish(msgType MsgType, body []byte) ([]byte, error) {
	total := 2 + len(body)
	if total > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, total)
	out[0] = byte(total)
	out[1] = byte(msgType)
	copy(out[2:], body)
	return out, nil
}

// EncodeConnect builds a CONNECT frame. clientID must fit within the
// remaining frame budget; ProtocolID is always 0x01.
func EncodeConnect(flags Flags, duration uint16, clientID string) ([]byte, error) {
	body := make([]byte, 4+len(clientID))
	body[0] = byte(flags)
	body[1] = ProtocolID
	binary.BigEndian.PutUint16(body[2:4], duration)
	copy(body[4:], clientID)
	return finish(CONNECT, body)
}

// EncodeConnack builds a CONNACK frame.
func EncodeConnack(rc ReturnCode) []byte {
	b, _ := finish(CONNACK, []byte{byte(rc)})
	return b
}

// EncodeRegister builds a REGISTER frame. Clients send topicID=0.
func EncodeRegister(topicID, msgID uint16, topicName string) ([]byte, error) {
	body := make([]byte, 4+len(topicName))
	binary.BigEndian.PutUint16(body[0:2], topicID)
	binary.BigEndian.PutUint16(body[2:4], msgID)
	copy(body[4:], topicName)
	return finish(REGISTER, body)
}

// EncodeRegack builds a REGACK frame.
func EncodeRegack(topicID, msgID uint16, rc ReturnCode) []byte {
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], topicID)
	binary.BigEndian.PutUint16(body[2:4], msgID)
	body[4] = byte(rc)
	b, _ := finish(REGACK, body)
	return b
}

// EncodePublish builds a PUBLISH frame. msgID is ignored (encoded as 0)
// when flags.QoS() == 0, matching spec.md's PUBLISH{flags, topic_id,
// msg_id?, payload} variant.
func EncodePublish(flags Flags, topicID, msgID uint16, payload []byte) ([]byte, error) {
	if flags.QoS() == 0 {
		msgID = 0
	}
	body := make([]byte, 5+len(payload))
	body[0] = byte(flags)
	binary.BigEndian.PutUint16(body[1:3], topicID)
	binary.BigEndian.PutUint16(body[3:5], msgID)
	copy(body[5:], payload)
	return finish(PUBLISH, body)
}

// EncodePuback builds a PUBACK frame.
func EncodePuback(topicID, msgID uint16, rc ReturnCode) []byte {
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], topicID)
	binary.BigEndian.PutUint16(body[2:4], msgID)
	body[4] = byte(rc)
	b, _ := finish(PUBACK, body)
	return b
}

func encodeMsgIDOnly(t MsgType, msgID uint16) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, msgID)
	b, _ := finish(t, body)
	return b
}

// EncodePubrec/EncodePubrel/EncodePubcomp each carry only a msg_id.
func EncodePubrec(msgID uint16) []byte  { return encodeMsgIDOnly(PUBREC, msgID) }
func EncodePubrel(msgID uint16) []byte  { return encodeMsgIDOnly(PUBREL, msgID) }
func EncodePubcomp(msgID uint16) []byte { return encodeMsgIDOnly(PUBCOMP, msgID) }

// EncodeSubscribeTopicName builds a SUBSCRIBE frame for a plain topic name.
func EncodeSubscribeTopicName(qos byte, msgID uint16, topicName string) ([]byte, error) {
	flags := MakeFlags(qos, false, false, false, TopicIDNormal)
	body := make([]byte, 3+len(topicName))
	body[0] = byte(flags)
	binary.BigEndian.PutUint16(body[1:3], msgID)
	copy(body[3:], topicName)
	return finish(SUBSCRIBE, body)
}

// EncodeSuback builds a SUBACK frame.
func EncodeSuback(flags Flags, topicID, msgID uint16, rc ReturnCode) []byte {
	body := make([]byte, 6)
	body[0] = byte(flags)
	binary.BigEndian.PutUint16(body[1:3], topicID)
	binary.BigEndian.PutUint16(body[3:5], msgID)
	body[5] = byte(rc)
	b, _ := finish(SUBACK, body)
	return b
}

// EncodePingreq builds a PINGREQ frame (no payload: this client never
// advertises a sleeping-client client_id, per spec.md's Non-goals).
func EncodePingreq() []byte {
	b, _ := finish(PINGREQ, nil)
	return b
}

// EncodePingresp builds a PINGRESP frame.
func EncodePingresp() []byte {
	b, _ := finish(PINGRESP, nil)
	return b
}

// EncodeDisconnect builds a DISCONNECT frame. hasDuration controls whether
// the optional duration field is written.
func EncodeDisconnect(duration uint16, hasDuration bool) []byte {
	var body []byte
	if hasDuration {
		body = make([]byte, 2)
		binary.BigEndian.PutUint16(body, duration)
	}
	b, _ := finish(DISCONNECT, body)
	return b
}

// Decode parses a single MQTT-SN frame. b must be exactly one datagram
// (length byte at b[0] must equal len(b)), matching invariant I1.
func Decode(b []byte) (Frame, error) {
	if len(b) < 2 {
		return Frame{}, malformed("short header (%d bytes)", len(b))
	}
	if int(b[0]) != len(b) {
		return Frame{}, malformed("length byte %d does not match buffer length %d", b[0], len(b))
	}
	msgType := MsgType(b[1])
	body := b[2:]

	switch msgType {
	case CONNECT:
		if len(body) < 4 {
			return Frame{}, malformed("CONNECT too short")
		}
		flags := Flags(body[0])
		protocolID := body[1]
		if protocolID != ProtocolID {
			return Frame{}, malformed("CONNECT protocol id 0x%02X != 0x%02X", protocolID, ProtocolID)
		}
		duration := binary.BigEndian.Uint16(body[2:4])
		return Frame{Type: CONNECT, Flags: flags, Duration: duration, ClientID: string(body[4:])}, nil

	case CONNACK:
		if len(body) < 1 {
			return Frame{}, malformed("CONNACK too short")
		}
		return Frame{Type: CONNACK, ReturnCode: ReturnCode(body[0])}, nil

	case REGISTER:
		if len(body) < 4 {
			return Frame{}, malformed("REGISTER too short")
		}
		return Frame{
			Type:      REGISTER,
			TopicID:   binary.BigEndian.Uint16(body[0:2]),
			MsgID:     binary.BigEndian.Uint16(body[2:4]),
			TopicName: string(body[4:]),
		}, nil

	case REGACK:
		if len(body) != 5 {
			return Frame{}, malformed("REGACK wrong length %d", len(body))
		}
		return Frame{
			Type:       REGACK,
			TopicID:    binary.BigEndian.Uint16(body[0:2]),
			MsgID:      binary.BigEndian.Uint16(body[2:4]),
			ReturnCode: ReturnCode(body[4]),
		}, nil

	case PUBLISH:
		if len(body) < 5 {
			return Frame{}, malformed("PUBLISH too short")
		}
		flags := Flags(body[0])
		if flags.QoS() > 2 {
			return Frame{}, malformed("PUBLISH invalid QoS %d", flags.QoS())
		}
		return Frame{
			Type:    PUBLISH,
			Flags:   flags,
			TopicID: binary.BigEndian.Uint16(body[1:3]),
			MsgID:   binary.BigEndian.Uint16(body[3:5]),
			Payload: append([]byte(nil), body[5:]...),
		}, nil

	case PUBACK:
		if len(body) != 5 {
			return Frame{}, malformed("PUBACK wrong length %d", len(body))
		}
		return Frame{
			Type:       PUBACK,
			TopicID:    binary.BigEndian.Uint16(body[0:2]),
			MsgID:      binary.BigEndian.Uint16(body[2:4]),
			ReturnCode: ReturnCode(body[4]),
		}, nil

	case PUBREC, PUBREL, PUBCOMP:
		if len(body) != 2 {
			return Frame{}, malformed("%s wrong length %d", msgType, len(body))
		}
		return Frame{Type: msgType, MsgID: binary.BigEndian.Uint16(body)}, nil

	case SUBSCRIBE:
		if len(body) < 3 {
			return Frame{}, malformed("SUBSCRIBE too short")
		}
		flags := Flags(body[0])
		msgID := binary.BigEndian.Uint16(body[1:3])
		f := Frame{Type: SUBSCRIBE, Flags: flags, MsgID: msgID}
		if flags.TopicIDType() == TopicIDNormal || flags.TopicIDType() == TopicIDShortName {
			f.TopicName = string(body[3:])
		} else {
			if len(body) != 5 {
				return Frame{}, malformed("SUBSCRIBE predefined id wrong length")
			}
			f.TopicID = binary.BigEndian.Uint16(body[3:5])
		}
		return f, nil

	case SUBACK:
		if len(body) != 6 {
			return Frame{}, malformed("SUBACK wrong length %d", len(body))
		}
		return Frame{
			Type:       SUBACK,
			Flags:      Flags(body[0]),
			TopicID:    binary.BigEndian.Uint16(body[1:3]),
			MsgID:      binary.BigEndian.Uint16(body[3:5]),
			ReturnCode: ReturnCode(body[5]),
		}, nil

	case PINGREQ:
		return Frame{Type: PINGREQ, ClientID: string(body)}, nil

	case PINGRESP:
		if len(body) != 0 {
			return Frame{}, malformed("PINGRESP must be empty")
		}
		return Frame{Type: PINGRESP}, nil

	case DISCONNECT:
		f := Frame{Type: DISCONNECT}
		if len(body) == 2 {
			f.Duration = binary.BigEndian.Uint16(body)
			f.HasDuration = true
		} else if len(body) != 0 {
			return Frame{}, malformed("DISCONNECT wrong length %d", len(body))
		}
		return f, nil

	default:
		return Frame{}, malformed("unknown message type 0x%02X", byte(msgType))
	}
}
