package lxmrouter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/cvsouth/reticulum-go/lxmf"
)

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

// Queue snapshot format: a MessagePack list of
// [packed, stamp, method, attempts, nextAttemptUnix] entries. The
// format is implementation-defined and never crosses the wire
// (spec §6, persisted state).
const queueFile = "pending.mpk"

// saveQueueLocked snapshots the outbound queue. Best-effort: a failed
// write logs and moves on, the queue stays authoritative in memory.
func (r *Router) saveQueueLocked() {
	if r.storagePath == "" {
		return
	}
	entries := make([]interface{}, 0, len(r.pending))
	for _, q := range r.pending {
		entries = append(entries, []interface{}{
			q.packed,
			q.msg.Stamp,
			int64(q.msg.Method),
			int64(q.msg.DeliveryAttempts),
			q.msg.NextDeliveryAttempt.Unix(),
		})
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, msgpackHandle)
	if err := enc.Encode(entries); err != nil {
		r.logger.Warn("queue snapshot encode failed", "error", err)
		return
	}
	if err := os.MkdirAll(r.storagePath, 0700); err != nil {
		r.logger.Warn("queue snapshot failed", "error", err)
		return
	}
	path := filepath.Join(r.storagePath, queueFile)
	if err := os.WriteFile(path, out, 0600); err != nil {
		r.logger.Warn("queue snapshot failed", "path", path, "error", err)
	}
}

// loadQueue restores the outbound queue from a snapshot, dropping
// entries that no longer parse.
func (r *Router) loadQueue() {
	if r.storagePath == "" {
		return
	}
	raw, err := os.ReadFile(filepath.Join(r.storagePath, queueFile))
	if err != nil {
		return
	}
	var entries []interface{}
	dec := codec.NewDecoderBytes(raw, msgpackHandle)
	if err := dec.Decode(&entries); err != nil {
		r.logger.Warn("queue snapshot unreadable", "error", err)
		return
	}

	restored := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		q, err := r.restoreEntry(e)
		if err != nil {
			r.logger.Warn("queue entry dropped", "error", err)
			continue
		}
		r.pending = append(r.pending, q)
		restored++
	}
	if restored > 0 {
		r.logger.Info("outbound queue restored", "messages", restored)
	}
}

func (r *Router) restoreEntry(e interface{}) (*queued, error) {
	fields, ok := e.([]interface{})
	if !ok || len(fields) != 5 {
		return nil, fmt.Errorf("lxmrouter: malformed queue entry")
	}
	packed, ok := fields[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("lxmrouter: malformed queue entry")
	}

	// Queued messages originate from this router's own identity.
	msg, err := lxmf.Unpack(packed, r.identity)
	if err != nil {
		return nil, fmt.Errorf("lxmrouter: restore message: %w", err)
	}
	if stamp, ok := fields[1].([]byte); ok {
		msg.Stamp = stamp
	}
	if method, ok := asInt(fields[2]); ok {
		msg.Method = lxmf.Method(method)
	}
	if attempts, ok := asInt(fields[3]); ok {
		msg.DeliveryAttempts = int(attempts)
	}
	if next, ok := asInt(fields[4]); ok {
		msg.NextDeliveryAttempt = time.Unix(next, 0)
	}
	msg.State = lxmf.Outbound
	return &queued{msg: msg, packed: packed}, nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
