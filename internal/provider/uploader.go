package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChunkSize is 8 MiB, a multiple of the provider's required
	// 256 KiB chunk granularity.
	DefaultChunkSize = 8 << 20

	chunkRetries    = 3
	chunkRetryDelay = 500 * time.Millisecond
)

// Uploader streams a file to a resumable session URL in range-addressed
// chunks. The broker itself is never on this data path; the uploader is
// used by the CLI and by tests exercising the full two-phase protocol.
type Uploader struct {
	ChunkSize  int64
	HTTPClient *http.Client

	// Progress, when set, is called with the byte offset confirmed so far.
	Progress func(sent int64)
}

// NewUploader returns an Uploader with the default chunk size.
func NewUploader() *Uploader {
	return &Uploader{
		ChunkSize:  DefaultChunkSize,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (u *Uploader) httpClient() *http.Client {
	if u.HTTPClient != nil {
		return u.HTTPClient
	}
	return http.DefaultClient
}

// Upload sends size bytes from src to sessionURL and returns the provider's
// permanent object id from the final chunk response. Each chunk carries a
// Content-Range header; a 308 response advances the offset to the end of
// the provider-confirmed range. Transient failures are retried per chunk
// with doubling backoff before the upload is abandoned.
func (u *Uploader) Upload(ctx context.Context, sessionURL string, src io.ReaderAt, size int64) (string, error) {
	chunkSize := u.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var offset int64
	for offset < size {
		end := offset + chunkSize
		if end > size {
			end = size
		}

		nextOffset, remoteID, err := u.sendChunk(ctx, sessionURL, src, offset, end, size)
		if err != nil {
			return "", err
		}
		if remoteID != "" {
			if u.Progress != nil {
				u.Progress(size)
			}
			return remoteID, nil
		}
		if nextOffset <= offset {
			return "", fmt.Errorf("uploader: session did not advance past offset %d", offset)
		}
		offset = nextOffset
		if u.Progress != nil {
			u.Progress(offset)
		}
	}
	return "", fmt.Errorf("uploader: session ended at offset %d without a file id", offset)
}

// sendChunk uploads bytes [start, end) with retries. It returns either the
// next offset to send from (intermediate chunk) or the permanent remote id
// (final chunk).
func (u *Uploader) sendChunk(ctx context.Context, sessionURL string, src io.ReaderAt, start, end, total int64) (int64, string, error) {
	var lastErr error
	delay := chunkRetryDelay

	for attempt := 0; attempt < chunkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		next, remoteID, retryable, err := u.putChunk(ctx, sessionURL, src, start, end, total)
		if err == nil {
			return next, remoteID, nil
		}
		if !retryable {
			return 0, "", err
		}
		lastErr = err
	}
	return 0, "", fmt.Errorf("uploader: chunk %d-%d failed after %d attempts: %w", start, end-1, chunkRetries, lastErr)
}

func (u *Uploader) putChunk(ctx context.Context, sessionURL string, src io.ReaderAt, start, end, total int64) (next int64, remoteID string, retryable bool, err error) {
	body := io.NewSectionReader(src, start, end-start)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, body)
	if err != nil {
		return 0, "", false, fmt.Errorf("build chunk request: %w", err)
	}
	req.ContentLength = end - start
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))

	resp, err := u.httpClient().Do(req)
	if err != nil {
		return 0, "", true, fmt.Errorf("chunk request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPermanentRedirect: // 308 Resume Incomplete
		// Partial chunk accepted; the Range header carries the confirmed
		// high-water mark.
		next, err := parseRangeEnd(resp.Header.Get("Range"))
		if err != nil {
			// No Range header: nothing was persisted, resend the chunk.
			return 0, "", true, fmt.Errorf("uploader: 308 without confirmed range")
		}
		return next, "", false, nil

	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, "", false, fmt.Errorf("decode final chunk response: %w", err)
		}
		if out.ID == "" {
			return 0, "", false, fmt.Errorf("uploader: final response missing file id")
		}
		return end, out.ID, false, nil

	case resp.StatusCode >= 500:
		return 0, "", true, fmt.Errorf("uploader: chunk status %d", resp.StatusCode)

	default:
		return 0, "", false, fmt.Errorf("uploader: chunk status %d", resp.StatusCode)
	}
}

// parseRangeEnd extracts the next send offset from a "bytes=0-N" header.
func parseRangeEnd(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return 0, fmt.Errorf("empty Range header")
	}
	s := strings.TrimPrefix(rangeHeader, "bytes=")
	idx := strings.LastIndex(s, "-")
	if idx < 0 {
		return 0, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	endByte, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	return endByte + 1, nil
}
