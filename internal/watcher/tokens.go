package watcher

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"voyager/internal/logging"
)

// TokenState is the usage picture extracted from the newest assistant
// record in a session transcript.
type TokenState struct {
	InputTokens         int    `json:"input_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens"`
	CacheCreationTokens int    `json:"cache_creation_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	RequestID           string `json:"request_id"`
}

// Total returns the combined token count for the request.
func (t TokenState) Total() int {
	return t.InputTokens + t.CacheReadTokens + t.CacheCreationTokens + t.OutputTokens
}

// transcriptRecord mirrors the fields we care about in a transcript JSONL
// line. Everything else in the line is ignored.
type transcriptRecord struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Message   struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			OutputTokens             int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// readTokenState scans a transcript file from offset, returning the token
// state of the last assistant record seen and the new offset. Malformed
// lines are skipped; a shrunken file (rotation) restarts from zero.
func readTokenState(path string, offset int64) (TokenState, int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return TokenState{}, offset, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return TokenState{}, offset, false
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return TokenState{}, offset, false
	}

	var (
		state TokenState
		found bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.WatcherDebug("skipping malformed transcript line in %s", path)
			continue
		}
		if rec.Type != "assistant" {
			continue
		}
		state = TokenState{
			InputTokens:         rec.Message.Usage.InputTokens,
			CacheReadTokens:     rec.Message.Usage.CacheReadInputTokens,
			CacheCreationTokens: rec.Message.Usage.CacheCreationInputTokens,
			OutputTokens:        rec.Message.Usage.OutputTokens,
			RequestID:           rec.RequestID,
		}
		found = true
	}
	if err := scanner.Err(); err != nil {
		logging.WatcherWarn("transcript scan error for %s: %v", path, err)
	}

	newOffset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		newOffset = offset
	}
	return state, newOffset, found
}
