// stashpool-cli drives the two-phase upload protocol from the command
// line: it asks the broker for a session, streams the file straight to
// the storage provider, then reports the result back to the broker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/stashpool/stashpool/internal/provider"
	"github.com/stashpool/stashpool/internal/upload"
)

var (
	serverURL string
	apiKey    string
	folder    string
	chunkSize int64
)

var rootCmd = &cobra.Command{
	Use:   "stashpool-cli",
	Short: "client for a stashpool quota broker",
}

var uploadCmd = &cobra.Command{
	Use:   "upload file-path",
	Short: "upload a file through the broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "broker base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("STASHPOOL_API_KEY"), "API key (defaults to STASHPOOL_API_KEY)")
	uploadCmd.Flags().StringVar(&folder, "folder", "", "virtual folder path, e.g. /backups/db")
	uploadCmd.Flags().Int64Var(&chunkSize, "chunk-size", provider.DefaultChunkSize, "transfer chunk size in bytes")
	rootCmd.AddCommand(uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	init, err := initUpload(ctx, upload.InitRequest{
		Filename:   filepath.Base(path),
		MimeType:   mimeType,
		Size:       info.Size(),
		FolderPath: folder,
	})
	if err != nil {
		return fmt.Errorf("init upload: %w", err)
	}

	bar := progressbar.DefaultBytes(info.Size(), "uploading")
	uploader := provider.Uploader{
		ChunkSize:  chunkSize,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Progress:   func(sent int64) { bar.Set64(sent) },
	}
	remoteID, err := uploader.Upload(ctx, init.UploadURL, f, info.Size())
	if err != nil {
		// Give the reserved space back rather than waiting for expiry.
		if abortErr := abortUpload(ctx, init.Meta.ReservationID); abortErr != nil {
			fmt.Fprintf(os.Stderr, "abort reservation: %v\n", abortErr)
		}
		return fmt.Errorf("transfer: %w", err)
	}
	bar.Finish()

	file, err := finalizeUpload(ctx, upload.FinalizeRequest{
		RemoteID:      remoteID,
		NodeID:        init.Meta.NodeID,
		ReservationID: init.Meta.ReservationID,
		FolderID:      init.Meta.FolderID,
		Filename:      filepath.Base(path),
		MimeType:      mimeType,
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	fmt.Printf("uploaded %s (%d bytes) as file %s on node %s\n", file.Name, file.Size, file.ID, file.NodeID)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func callBroker(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, serverURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("broker: %s (status %d)", env.Error, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func initUpload(ctx context.Context, req upload.InitRequest) (*upload.InitResult, error) {
	var result upload.InitResult
	if err := callBroker(ctx, http.MethodPost, "/api/uploads", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func finalizeUpload(ctx context.Context, req upload.FinalizeRequest) (*finalizedFile, error) {
	var file finalizedFile
	if err := callBroker(ctx, http.MethodPost, "/api/uploads/finalize", req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func abortUpload(ctx context.Context, reservationID string) error {
	return callBroker(ctx, http.MethodDelete, "/api/uploads/"+reservationID, nil, nil)
}

type finalizedFile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	NodeID string `json:"node_id"`
}
