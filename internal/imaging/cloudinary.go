// Package imaging uploads rendered chart images to Cloudinary and returns
// the hosted URL placed in outbound replies.
package imaging

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const uploadTimeout = 30 * time.Second

// Uploader posts images to the Cloudinary upload API using signed uploads.
type Uploader struct {
	cloudName string
	apiKey    string
	apiSecret string
	folder    string
	apiBase   string
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

type UploaderConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	APIBase   string // overridable for tests; default https://api.cloudinary.com
	Logger    *slog.Logger
}

func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.cloudinary.com"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{
		cloudName: cfg.CloudName,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		folder:    cfg.Folder,
		apiBase:   cfg.APIBase,
		client:    &http.Client{Timeout: uploadTimeout},
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Error     struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload sends PNG bytes to Cloudinary and returns the secure URL.
// name becomes the public ID within the configured folder.
func (u *Uploader) Upload(ctx context.Context, name string, png []byte) (string, error) {
	timestamp := strconv.FormatInt(u.now().Unix(), 10)

	params := map[string]string{
		"public_id": name,
		"timestamp": timestamp,
	}
	if u.folder != "" {
		params["folder"] = u.folder
	}
	params["signature"] = signParams(params, u.apiSecret)
	params["api_key"] = u.apiKey

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, val := range params {
		if err := writer.WriteField(key, val); err != nil {
			return "", fmt.Errorf("build upload form: %w", err)
		}
	}
	part, err := writer.CreateFormFile("file", name+".png")
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1_1/%s/image/upload", u.apiBase, u.cloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	var ur uploadResponse
	if err := json.Unmarshal(respBody, &ur); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if ur.Error.Message != "" {
			return "", fmt.Errorf("cloudinary upload rejected: %s", ur.Error.Message)
		}
		return "", fmt.Errorf("cloudinary upload returned %d", resp.StatusCode)
	}
	if ur.SecureURL == "" {
		return "", fmt.Errorf("cloudinary response missing secure_url")
	}

	u.logger.Info("image uploaded", "public_id", ur.PublicID, "bytes", len(png))
	return ur.SecureURL, nil
}

// signParams computes the Cloudinary request signature: parameters sorted
// by key, joined as key=value with &, then SHA-1 over that string plus the
// API secret. file and api_key are never part of the signature.
func signParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
