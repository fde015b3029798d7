package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxErrorBodyBytes = 1024

type PinningConfig struct {
	// Endpoint receives the multipart upload, e.g. https://api.pinata.cloud/pinning/pinFileToIPFS.
	Endpoint string
	// JWT is the bearer credential for the pinning service.
	JWT        string
	GatewayURL string
	HTTPClient *http.Client
}

// PinningStore uploads to an IPFS pinning service over HTTP.
type PinningStore struct {
	endpoint string
	jwt      string
	gateway  string
	http     *http.Client
	now      func() time.Time
}

func NewPinningStore(cfg PinningConfig) *PinningStore {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &PinningStore{
		endpoint: cfg.Endpoint,
		jwt:      cfg.JWT,
		gateway:  cfg.GatewayURL,
		http:     client,
		now:      time.Now,
	}
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

func (s *PinningStore) URL(contentHash string) string {
	return GatewayURL(s.gateway, contentHash)
}

// CheckCredentials fails with ErrCredentialsExpired when the configured JWT
// has an exp claim in the past. Opaque (non-JWT) keys are passed through.
func (s *PinningStore) CheckCredentials() error {
	if s.jwt == "" {
		return fmt.Errorf("%w: no pinning credentials configured", ErrUpload)
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.jwt, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(s.now()) {
		return fmt.Errorf("%w: %w (expired %s)", ErrUpload, ErrCredentialsExpired, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *PinningStore) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := s.CheckCredentials(); err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, name, r))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, pr)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.jwt)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &RejectedError{StatusCode: resp.StatusCode, Reason: rejectionReason(body)}
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrUpload, err)
	}
	if _, err := ParseContentHash(out.IpfsHash); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}

	slog.Info("storage: content pinned", "name", name, "hash", out.IpfsHash, "bytes", out.PinSize)
	return out.IpfsHash, nil
}

func writeMultipart(mw *multipart.Writer, name string, r io.Reader) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"name": name})
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return err
	}
	return mw.Close()
}

// rejectionReason extracts a human readable reason from a pinning service
// error body, which is either JSON ({"error": ...}) or plain text.
func rejectionReason(body []byte) string {
	var structured struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Error != nil {
		switch e := structured.Error.(type) {
		case string:
			return e
		case map[string]any:
			if reason, ok := e["reason"].(string); ok {
				if details, ok := e["details"].(string); ok && details != "" {
					return reason + ": " + details
				}
				return reason
			}
		}
	}
	return strings.TrimSpace(string(body))
}
