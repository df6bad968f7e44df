// Package blocksend implements the block-transfer sender of spec.md §4.F:
// it chunks a byte buffer into CHUNK_PAYLOAD-sized pieces, emits one
// PUBLISH per chunk through the MQTT-SN client, and keeps the buffer cached
// after Send returns for NACK-driven retransmission. The cache is freed
// only by ResetSender or by the start of the next transfer; per-chunk
// publish errors do not free it (invariant I5).
package blocksend

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/picosn/picosn-client/internal/fsx"
	"github.com/picosn/picosn-client/internal/metrics"
)

// Wire constants shared with blockrecv (spec.md §3 "Chunk header").
const (
	ChunkPayload  = 120
	ChunkHeaderSz = 8
	MaxObject     = 60000
	MaxSupported  = 58000
	MaxParts      = 1000
)

var (
	ErrEmptyObject     = errors.New("blocksend: object is empty")
	ErrObjectTooLarge  = errors.New("blocksend: object exceeds MAX_OBJECT")
	ErrTooManyParts    = errors.New("blocksend: total_parts exceeds 1000")
	ErrNoActiveTransfer = errors.New("blocksend: no active transfer to NACK against")
	ErrBlockMismatch   = errors.New("blocksend: NACK block_id does not match active transfer")
)

// Publisher is the narrow capability the sender needs from the MQTT-SN
// client state machine (spec.md §4.F: "Uses E").
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// cache is the sender's owned buffer for the one active transfer
// (spec.md §3 "Sender cache").
type cache struct {
	blockID    uint16
	topic      string
	qos        byte
	data       []byte
	totalParts int
	active     bool
}

// Sender drives chunked PUBLISH over a Publisher. Not safe for concurrent
// use: one transfer is active at a time, matching the single sender cache
// of spec.md §3.
type Sender struct {
	client Publisher
	fs     fsx.FS
	cache  cache

	// InterChunkDelay and BatchPauseEvery/BatchPause implement spec.md
	// §4.F's pacing: "sleep 5-20ms... every 20 chunks sleep an additional
	// 50ms". Exposed so tests can shrink them.
	InterChunkDelayMin time.Duration
	InterChunkDelayMax time.Duration
	BatchPauseEvery    int
	BatchPause         time.Duration
	NackPaceMin        time.Duration
	NackPaceMax        time.Duration

	// OnProgress is invoked every ProgressEvery chunks sent, mirroring the
	// original firmware's "Progress: %d/%d chunks sent" console line
	// (spec.md §9 supplemented features).
	OnProgress   func(sent, total int)
	ProgressEvery int

	sleep func(time.Duration)
}

// New creates a Sender publishing through client and reading files through
// fs (used only by SendFile).
func New(client Publisher, fs fsx.FS) *Sender {
	return &Sender{
		client:             client,
		fs:                 fs,
		InterChunkDelayMin: 5 * time.Millisecond,
		InterChunkDelayMax: 20 * time.Millisecond,
		BatchPauseEvery:    20,
		BatchPause:         50 * time.Millisecond,
		NackPaceMin:        5 * time.Millisecond,
		NackPaceMax:        15 * time.Millisecond,
		ProgressEvery:      10,
		sleep:              time.Sleep,
	}
}

// newBlockID derives a 16-bit block id from a fresh UUID, XOR-folded down
// to uint16, so rapid repeated transfers within the same millisecond don't
// collide the way a bare clock read could.
func newBlockID() uint16 {
	id := uuid.New()
	var v uint16
	for i := 0; i < len(id); i += 2 {
		v ^= uint16(id[i])<<8 | uint16(id[i+1])
	}
	return v
}

// Send chunks data and publishes it over topic at the given QoS. It
// replaces and frees any previously active transfer before starting.
func (s *Sender) Send(topic string, data []byte, qos byte) error {
	if len(data) == 0 {
		return ErrEmptyObject
	}
	if len(data) > MaxObject {
		return ErrObjectTooLarge
	}
	totalParts := (len(data) + ChunkPayload - 1) / ChunkPayload
	if totalParts > MaxParts {
		return ErrTooManyParts
	}

	s.ResetSender()
	s.cache = cache{
		blockID:    newBlockID(),
		topic:      topic,
		qos:        qos,
		data:       data,
		totalParts: totalParts,
		active:     true,
	}

	metrics.SenderCacheBytes.Set(float64(len(data)))
	for part := 1; part <= totalParts; part++ {
		chunk := s.buildChunk(part)
		_ = s.client.Publish(topic, chunk, qos)

		if s.OnProgress != nil && s.ProgressEvery > 0 && part%s.ProgressEvery == 0 {
			s.OnProgress(part, totalParts)
		}
		metrics.BlockTransferProgressRatio.Set(float64(part) / float64(totalParts))

		if part%s.BatchPauseEvery == 0 {
			s.sleep(s.BatchPause)
		}
		s.sleep(pace(s.InterChunkDelayMin, s.InterChunkDelayMax))
	}
	if s.OnProgress != nil {
		s.OnProgress(totalParts, totalParts)
	}
	return nil
}

// buildChunk assembles the 8-byte header plus payload slice for part_num.
func (s *Sender) buildChunk(partNum int) []byte {
	offset := (partNum - 1) * ChunkPayload
	end := offset + ChunkPayload
	if end > len(s.cache.data) {
		end = len(s.cache.data)
	}
	payload := s.cache.data[offset:end]

	chunk := make([]byte, ChunkHeaderSz+len(payload))
	putU16(chunk[0:2], s.cache.blockID)
	putU16(chunk[2:4], uint16(partNum))
	putU16(chunk[4:6], uint16(s.cache.totalParts))
	putU16(chunk[6:8], uint16(len(payload)))
	copy(chunk[8:], payload)
	return chunk
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// pace returns a randomized delay in [min, max), matching spec.md §4.F's
// "sleep 5-20ms" / "5-15ms" inter-chunk pacing.
func pace(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// HandleNACK parses "NACK:BLOCK=<id>,CHUNKS=<list>" and republishes the
// requested chunks at QoS 0 from the cached buffer. Returns the count of
// chunks resent.
func (s *Sender) HandleNACK(request string) (int, error) {
	if !s.cache.active {
		return 0, ErrNoActiveTransfer
	}
	blockID, parts, err := parseNack(request)
	if err != nil {
		return 0, err
	}
	if blockID != s.cache.blockID {
		return 0, ErrBlockMismatch
	}

	resent := 0
	for _, part := range parts {
		if part < 1 || part > s.cache.totalParts {
			continue
		}
		chunk := s.buildChunk(part)
		_ = s.client.Publish(s.cache.topic, chunk, 0)
		resent++
		metrics.RetransmitFulfilments.Inc()
		s.sleep(pace(s.NackPaceMin, s.NackPaceMax))
	}
	return resent, nil
}

// parseNack parses "NACK:BLOCK=<id>,CHUNKS=<list>" where <list> is a
// comma-separated sequence of integers and inclusive ranges "a-b".
func parseNack(request string) (uint16, []int, error) {
	const prefix = "NACK:BLOCK="
	if !strings.HasPrefix(request, prefix) {
		return 0, nil, fmt.Errorf("blocksend: malformed NACK request %q", request)
	}
	rest := request[len(prefix):]
	sepIdx := strings.Index(rest, ",CHUNKS=")
	if sepIdx < 0 {
		return 0, nil, fmt.Errorf("blocksend: malformed NACK request %q", request)
	}
	blockIDStr := rest[:sepIdx]
	chunksStr := rest[sepIdx+len(",CHUNKS="):]

	blockIDVal, err := strconv.ParseUint(blockIDStr, 10, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("blocksend: bad block id %q: %w", blockIDStr, err)
	}

	var parts []int
	for _, tok := range strings.Split(chunksStr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if dash := strings.Index(tok, "-"); dash > 0 {
			lo, err1 := strconv.Atoi(tok[:dash])
			hi, err2 := strconv.Atoi(tok[dash+1:])
			if err1 != nil || err2 != nil || hi < lo {
				return 0, nil, fmt.Errorf("blocksend: bad range %q", tok)
			}
			for p := lo; p <= hi; p++ {
				parts = append(parts, p)
			}
			continue
		}
		p, err := strconv.Atoi(tok)
		if err != nil {
			return 0, nil, fmt.Errorf("blocksend: bad chunk number %q", tok)
		}
		parts = append(parts, p)
	}
	return uint16(blockIDVal), parts, nil
}

// ResetSender frees the cache buffer and marks the sender inactive.
func (s *Sender) ResetSender() {
	s.cache = cache{}
	metrics.SenderCacheBytes.Set(0)
}

// Active reports whether a transfer is currently cached.
func (s *Sender) Active() bool { return s.cache.active }

// SendFile reads path through the filesystem collaborator and transfers
// ownership of its contents to Send.
func (s *Sender) SendFile(topic, path string, qos byte) error {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) > MaxSupported {
		return ErrObjectTooLarge
	}
	return s.Send(topic, data, qos)
}
