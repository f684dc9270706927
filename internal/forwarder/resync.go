package forwarder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vibetunnel/vtcore/internal/ipc"
)

// maxAttachChunk bounds a single resync STDOUT_DATA frame well under
// ipc.DefaultMaxPayload.
const maxAttachChunk = 1 << 20

// handleAttach implements spec.md §4.7 cast-tail resync plus the
// fast-attach VT snapshot supplement: a subscriber with a known byte
// offset and a current truncation epoch gets the cast file's
// [offset..eof) bytes; a stale epoch gets a full resync from zero; an
// unknown offset gets a rendered VT snapshot instead of a replay.
func (f *Forwarder) handleAttach(c *connection, payload []byte) error {
	var cmd ipc.AttachCmd
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("forwarder: malformed attach command: %w", err)
	}

	f.mu.Lock()
	epoch := f.sess.TruncationEpoch
	f.mu.Unlock()

	if !cmd.HasOffset {
		return f.sendSnapshot(c, epoch)
	}

	resynced := cmd.Epoch != epoch
	from := cmd.Offset
	if resynced {
		from = 0
	}
	return f.sendCastTail(c, from, resynced, epoch)
}

func (f *Forwarder) sendSnapshot(c *connection, epoch int64) error {
	if err := f.replyAttachStatus(c, true, epoch, true); err != nil {
		return err
	}

	f.mu.Lock()
	vt := f.vt
	f.mu.Unlock()
	if vt == nil {
		return nil
	}
	return c.writeFrame(ipc.Frame{Type: ipc.TypeStdoutData, Payload: vt.Snapshot()})
}

func (f *Forwarder) sendCastTail(c *connection, from int64, resynced bool, epoch int64) error {
	if err := f.replyAttachStatus(c, resynced, epoch, false); err != nil {
		return err
	}

	path := filepath.Join(f.dir, "stdout")
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("forwarder: open cast file for resync: %w", err)
	}
	defer file.Close()

	if from > 0 {
		if _, err := file.Seek(from, 0); err != nil {
			return fmt.Errorf("forwarder: seek cast file for resync: %w", err)
		}
	}

	buf := make([]byte, maxAttachChunk)
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := c.writeFrame(ipc.Frame{Type: ipc.TypeStdoutData, Payload: chunk}); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

// replyAttachStatus echoes the resync decision on STATUS_UPDATE before
// any replay bytes, so the client can tell a snapshot from a tail
// replay and learn the epoch it resynced against.
func (f *Forwarder) replyAttachStatus(c *connection, resynced bool, epoch int64, snapshot bool) error {
	data, err := json.Marshal(map[string]any{
		"app":    "vtcore",
		"status": "attached",
		"extra": map[string]any{
			"resynced": resynced,
			"epoch":    epoch,
			"snapshot": snapshot,
		},
	})
	if err != nil {
		return err
	}
	return c.writeFrame(ipc.Frame{Type: ipc.TypeStatusUpdate, Payload: data})
}
