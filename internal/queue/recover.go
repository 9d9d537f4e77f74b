package queue

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// RecoveryResult summarizes one recovery pass over the processing directory.
type RecoveryResult struct {
	Recovered []string // files moved back to incoming
	Deleted   []string // completed duplicates removed
}

// RecoverProcessing runs on supervisor start, before any worker claims. Each
// leftover processing file was claimed by a previous process that crashed.
// If its (channel, message_id) pair already appears in outgoing — or earlier
// in this same pass — the work completed and only cleanup was lost, so the
// file is deleted. Otherwise it moves back to incoming under a deterministic
// stable name, which makes recovery idempotent across repeated crashes.
func (s *Store) RecoverProcessing() (*RecoveryResult, error) {
	delivered, err := s.outgoingPairs()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.paths.QueueProcessing())
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isQueuePayload(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	result := &RecoveryResult{}
	seen := make(map[string]bool)
	for i, name := range names {
		processing := filepath.Join(s.paths.QueueProcessing(), name)

		pair := ""
		data, readErr := os.ReadFile(processing)
		if readErr == nil {
			var msg IncomingMessage
			if json.Unmarshal(data, &msg) == nil && msg.MessageID != "" {
				pair = msg.Channel + "\x00" + msg.MessageID
			}
		}

		if pair != "" && (delivered[pair] || seen[pair]) {
			if err := os.Remove(processing); err != nil {
				return result, fmt.Errorf("remove completed processing file %s: %w", name, err)
			}
			result.Deleted = append(result.Deleted, name)
			continue
		}
		if pair != "" {
			seen[pair] = true
		}

		target := filepath.Join(s.paths.QueueIncoming(), recoveredName(i, name))
		if err := os.Rename(processing, target); err != nil {
			return result, fmt.Errorf("recover %s: %w", name, err)
		}
		result.Recovered = append(result.Recovered, target)
	}
	return result, nil
}

// recoveredName builds the deterministic recovery filename:
// recovered_<index>_<sha256(name)[0..8]>.<ext>.
func recoveredName(index int, name string) string {
	ext := filepath.Ext(name)
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("recovered_%d_%x%s", index, sum[:4], ext)
}

// outgoingPairs collects the (channel, message_id) pairs already delivered
// to the outgoing directory.
func (s *Store) outgoingPairs() (map[string]bool, error) {
	entries, err := os.ReadDir(s.paths.QueueOutgoing())
	if err != nil {
		return nil, fmt.Errorf("list outgoing: %w", err)
	}
	pairs := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !isQueuePayload(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.paths.QueueOutgoing(), e.Name()))
		if err != nil {
			continue
		}
		var out OutgoingMessage
		if json.Unmarshal(data, &out) != nil {
			continue
		}
		// Outbound replies carry the original message; dedup on its identity
		// so a processed-but-uncleaned claim is recognized.
		if out.OriginalMessage != nil && out.OriginalMessage.MessageID != "" {
			pairs[out.OriginalMessage.Channel+"\x00"+out.OriginalMessage.MessageID] = true
		}
		if out.MessageID != "" {
			pairs[out.Channel+"\x00"+out.MessageID] = true
		}
	}
	return pairs, nil
}
