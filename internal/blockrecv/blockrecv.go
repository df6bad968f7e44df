// Package blockrecv implements the block-transfer receiver of spec.md
// §4.G: it accepts numbered chunks, reassembles them into a single object,
// detects completion by file signature, writes the result through the
// filesystem collaborator, and drives a NACK-based selective-repeat
// recovery for chunks that never arrive.
package blockrecv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/picosn/picosn-client/internal/blocksend"
	"github.com/picosn/picosn-client/internal/clock"
	"github.com/picosn/picosn-client/internal/fsx"
	"github.com/picosn/picosn-client/internal/metrics"
	"github.com/picosn/picosn-client/internal/store"
)

// Chunk layout mirrors blocksend's; the receiver never imports blocksend's
// pacing/Sender machinery, only its wire-layout constants.
const (
	ChunkPayload  = blocksend.ChunkPayload
	ChunkHeaderSz = blocksend.ChunkHeaderSz

	// MaxAssemblyBytes enforces the 55KB aggregate memory budget per
	// transfer (spec.md §4.G).
	MaxAssemblyBytes = 55 * 1024

	// NackTriggerMs, FinishedInitialMinMs and AbandonMs implement the
	// receiver's two-tier timeout model.
	NackTriggerMs        = 3000
	FinishedInitialMinMs = 20000
	PerPartMs            = 50
	AbandonMs            = 60000
)

var (
	ErrChunkTooShort   = errors.New("blockrecv: chunk shorter than header")
	ErrChunkDataTooLong = errors.New("blockrecv: chunk data_len exceeds CHUNK_PAYLOAD")
	ErrAssemblyTooLarge = errors.New("blockrecv: object exceeds the receiver memory budget")
)

// Publisher is the narrow capability the receiver needs to emit NACK and
// completion-summary messages (spec.md §4.G: "Uses E").
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// Checkpointer is the narrow capability the receiver needs to persist and
// recover assembly state across a restart (spec.md §2.4). internal/store's
// Store satisfies this directly.
type Checkpointer interface {
	SaveAssemblyProgress(p store.AssemblyProgress) error
	LoadLatestAssemblyProgress() (store.AssemblyProgress, bool, error)
	ClearAssemblyProgress(blockID uint16) error
}

// assembly is the receiver's owned reassembly state (spec.md §3 "Receiver
// assembly"). Only one assembly is active at a time.
type assembly struct {
	blockID         uint16
	totalParts      int
	receivedCount   int
	highestPartSeen int
	mask            []bool
	buffer          []byte
	lastChunkLen    int
	lastUpdateMs    int64
	lastNackMs      int64
	startMs         int64
	finishedInitial bool
	active          bool
}

// Completion carries everything observed about a finished transfer, for
// logging/metrics by the caller.
type Completion struct {
	BlockID uint16
	Size    int
	Parts   int
	Ext     string
	Path    string
}

// Receiver assembles chunks published on the chunk topic and publishes
// NACK/completion messages on the metadata and retransmit topics.
type Receiver struct {
	client Publisher
	fs     fsx.FS
	clk    clock.Clock

	outDir          string
	metadataTopic   string
	retransmitTopic string

	asm assembly

	checkpoint Checkpointer
	// CheckpointEvery gates how often ProcessChunk saves a checkpoint,
	// mirroring blocksend.Sender's ProgressEvery. 0 disables checkpointing
	// even when a Checkpointer is set.
	CheckpointEvery int

	OnComplete func(Completion)
}

// New creates a Receiver. outDir is where reassembled objects are written;
// metadataTopic and retransmitTopic match spec.md's pico/block and
// pico/retransmit defaults but are configurable.
func New(client Publisher, fs fsx.FS, clk clock.Clock, outDir, metadataTopic, retransmitTopic string) *Receiver {
	return &Receiver{
		client:          client,
		fs:              fs,
		clk:             clk,
		outDir:          outDir,
		metadataTopic:   metadataTopic,
		retransmitTopic: retransmitTopic,
		CheckpointEvery: 10,
	}
}

// SetCheckpointStore wires a Checkpointer for restart recovery. Call
// Resume after this to pick up any in-progress assembly from a prior run.
func (r *Receiver) SetCheckpointStore(cp Checkpointer) {
	r.checkpoint = cp
}

// Resume restores an in-progress assembly from the checkpoint store, if
// one was left behind by a prior process. It is a no-op when no
// Checkpointer is set or no checkpoint was saved.
func (r *Receiver) Resume() error {
	if r.checkpoint == nil {
		return nil
	}
	p, found, err := r.checkpoint.LoadLatestAssemblyProgress()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	mask := make([]bool, len(p.ReceivedMask))
	copy(mask, p.ReceivedMask)
	buffer := make([]byte, len(p.Buffer))
	copy(buffer, p.Buffer)

	receivedCount, highestPartSeen := 0, 0
	for i, got := range mask {
		if got {
			receivedCount++
			if i > highestPartSeen {
				highestPartSeen = i
			}
		}
	}

	r.asm = assembly{
		blockID:         p.BlockID,
		totalParts:      p.TotalParts,
		receivedCount:   receivedCount,
		highestPartSeen: highestPartSeen,
		mask:            mask,
		buffer:          buffer,
		lastChunkLen:    p.LastChunkLen,
		lastUpdateMs:    p.LastUpdateMs,
		startMs:         p.StartMs,
		finishedInitial: true,
		active:          true,
	}
	metrics.ActiveAssemblyBytes.Set(float64(len(r.asm.buffer)))
	return nil
}

// saveCheckpoint persists the current assembly state, ignoring a nil
// Checkpointer.
func (r *Receiver) saveCheckpoint() {
	if r.checkpoint == nil {
		return
	}
	mask := make([]bool, len(r.asm.mask))
	copy(mask, r.asm.mask)
	buffer := make([]byte, len(r.asm.buffer))
	copy(buffer, r.asm.buffer)
	_ = r.checkpoint.SaveAssemblyProgress(store.AssemblyProgress{
		BlockID:      r.asm.blockID,
		TotalParts:   r.asm.totalParts,
		ReceivedMask: mask,
		Buffer:       buffer,
		LastChunkLen: r.asm.lastChunkLen,
		StartMs:      r.asm.startMs,
		LastUpdateMs: r.asm.lastUpdateMs,
	})
}

// clearCheckpoint removes a persisted checkpoint, ignoring a nil
// Checkpointer.
func (r *Receiver) clearCheckpoint(blockID uint16) {
	if r.checkpoint == nil {
		return
	}
	_ = r.checkpoint.ClearAssemblyProgress(blockID)
}

// ProcessChunk validates and stores one inbound chunk, starting a fresh
// assembly when block_id changes.
func (r *Receiver) ProcessChunk(raw []byte) error {
	if len(raw) < ChunkHeaderSz {
		return ErrChunkTooShort
	}
	blockID := getU16(raw[0:2])
	partNum := int(getU16(raw[2:4]))
	totalParts := int(getU16(raw[4:6]))
	dataLen := int(getU16(raw[6:8]))

	if dataLen > ChunkPayload || len(raw) < ChunkHeaderSz+dataLen {
		return ErrChunkDataTooLong
	}

	if !r.asm.active || r.asm.blockID != blockID {
		if totalParts*ChunkPayload > MaxAssemblyBytes {
			return ErrAssemblyTooLarge
		}
		if r.asm.active {
			r.clearCheckpoint(r.asm.blockID)
		}
		r.asm = assembly{
			blockID:    blockID,
			totalParts: totalParts,
			mask:       make([]bool, totalParts+1), // 1-indexed
			buffer:     make([]byte, totalParts*ChunkPayload),
			startMs:    r.clk.NowMillis(),
			active:     true,
		}
		metrics.ActiveAssemblyBytes.Set(float64(len(r.asm.buffer)))
	}

	if partNum < 1 || partNum > r.asm.totalParts {
		return fmt.Errorf("blockrecv: part_num %d out of range [1,%d]", partNum, r.asm.totalParts)
	}
	if r.asm.mask[partNum] {
		return nil // duplicate, silently ignored
	}

	offset := (partNum - 1) * ChunkPayload
	copy(r.asm.buffer[offset:offset+dataLen], raw[ChunkHeaderSz:ChunkHeaderSz+dataLen])
	r.asm.mask[partNum] = true
	if partNum == r.asm.totalParts {
		r.asm.lastChunkLen = dataLen
	}
	if partNum > r.asm.highestPartSeen {
		r.asm.highestPartSeen = partNum
	}
	r.asm.receivedCount++
	r.asm.lastUpdateMs = r.clk.NowMillis()

	if r.asm.receivedCount == r.asm.totalParts {
		return r.complete()
	}
	if r.CheckpointEvery > 0 && r.asm.receivedCount%r.CheckpointEvery == 0 {
		r.saveCheckpoint()
	}
	return nil
}

func getU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func (r *Receiver) complete() error {
	size := (r.asm.totalParts-1)*ChunkPayload + r.asm.lastChunkLen
	data := r.asm.buffer[:size]
	ext := detectExt(data)
	filename := fmt.Sprintf("block_%d%s", r.asm.blockID, ext)
	path := r.outDir + "/" + filename

	if err := r.fs.MkdirAll(r.outDir); err != nil {
		return err
	}
	if err := r.fs.WriteFile(path, data); err != nil {
		return err
	}

	elapsedS := (r.clk.NowMillis() - r.asm.startMs) / 1000
	summary := fmt.Sprintf("BLOCK_RECEIVED: ID=%d, SIZE=%d, PARTS=%d, TYPE=%s, TIME=%d",
		r.asm.blockID, size, r.asm.totalParts, ext, elapsedS)
	_ = r.client.Publish(r.metadataTopic, []byte(summary), 0)

	if r.OnComplete != nil {
		r.OnComplete(Completion{BlockID: r.asm.blockID, Size: size, Parts: r.asm.totalParts, Ext: ext, Path: path})
	}

	r.clearCheckpoint(r.asm.blockID)
	metrics.BlockTransfersCompleted.Inc()
	metrics.ActiveAssemblyBytes.Set(0)
	r.asm = assembly{}
	return nil
}

// detectExt sniffs the common signatures spec.md names.
func detectExt(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return ".jpg"
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return ".png"
	case len(data) >= 3 && data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46:
		return ".gif"
	default:
		return ".bin"
	}
}

// Tick drives the NACK and abandonment policy; call it periodically (e.g.
// from the same poll loop driving the MQTT-SN client).
func (r *Receiver) Tick() {
	if !r.asm.active {
		return
	}
	now := r.clk.NowMillis()
	elapsed := now - r.asm.lastUpdateMs
	sinceStart := now - r.asm.startMs

	finishedThreshold := int64(FinishedInitialMinMs)
	if perPart := int64(r.asm.totalParts) * PerPartMs; perPart > finishedThreshold {
		finishedThreshold = perPart
	}
	if !r.asm.finishedInitial && sinceStart >= finishedThreshold && r.asm.receivedCount*2 >= r.asm.totalParts {
		r.asm.finishedInitial = true
	}

	if elapsed >= AbandonMs && r.asm.receivedCount < r.asm.totalParts {
		r.clearCheckpoint(r.asm.blockID)
		metrics.BlockTransfersAbandoned.Inc()
		metrics.ActiveAssemblyBytes.Set(0)
		r.asm = assembly{}
		return
	}

	if elapsed >= NackTriggerMs && now-r.asm.lastNackMs >= NackTriggerMs && r.asm.receivedCount < r.asm.totalParts && r.asm.highestPartSeen > 0 {
		r.sendNack()
		r.asm.lastNackMs = now
	}
}

func (r *Receiver) sendNack() {
	missing := missingRanges(r.asm.mask, r.asm.highestPartSeen)
	if len(missing) == 0 {
		return
	}
	req := fmt.Sprintf("NACK:BLOCK=%d,CHUNKS=%s", r.asm.blockID, strings.Join(missing, ","))
	_ = r.client.Publish(r.retransmitTopic, []byte(req), 0)
	metrics.RetransmitRequests.Inc()
}

// missingRanges enumerates 1..highestPartSeen entries absent from mask,
// coalescing consecutive runs into "a-b" ranges.
func missingRanges(mask []bool, highestPartSeen int) []string {
	var out []string
	start := -1
	flush := func(end int) {
		if start == -1 {
			return
		}
		if start == end {
			out = append(out, strconv.Itoa(start))
		} else {
			out = append(out, fmt.Sprintf("%d-%d", start, end))
		}
		start = -1
	}
	for p := 1; p <= highestPartSeen; p++ {
		missing := p >= len(mask) || !mask[p]
		if missing {
			if start == -1 {
				start = p
			}
		} else {
			flush(p - 1)
		}
	}
	flush(highestPartSeen)
	return out
}

// Active reports whether an assembly is in progress.
func (r *Receiver) Active() bool { return r.asm.active }
