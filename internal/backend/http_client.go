package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kimhsiao/exposurelog/internal/errors"
	"github.com/kimhsiao/exposurelog/internal/models"
)

// HTTPConfig configures the REST backend client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per request, 0 = rely on the caller's context
}

// HTTPClient talks to the exposure backend over JSON REST. Photo bytes go
// to the ObjectStore when one is configured, otherwise to POST /photos.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	store      ObjectStore
}

// NewHTTPClient creates a new HTTPClient. store may be nil.
func NewHTTPClient(cfg HTTPConfig, store ObjectStore) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		store: store,
	}
}

type createRecordResponse struct {
	ID string `json:"id"`
}

type confirmPhotoRequest struct {
	StorageID string               `json:"storage_id"`
	Photo     models.PhotoMetadata `json:"photo"`
}

// CreateRecord posts a record with the Idempotency-Key header.
func (c *HTTPClient) CreateRecord(ctx context.Context, idempotencyKey string, payload json.RawMessage) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/records", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	var out createRecordResponse
	if err := c.do(req, "create record", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New(errors.ErrBackendUnavailable, "create record returned no id")
	}
	return out.ID, nil
}

// UploadPhoto streams the file at localPath.
func (c *HTTPClient) UploadPhoto(ctx context.Context, localPath string, meta models.PhotoMetadata, progress ProgressFunc) (*UploadResult, error) {
	if c.store != nil {
		return c.uploadToObjectStore(ctx, localPath, meta, progress)
	}

	f, size, err := openForUpload(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	req, err := c.newRequest(ctx, http.MethodPost, "/photos", newProgressReader(f, size, progress))
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentTypeOf(meta))
	req.Header.Set("X-Photo-Id", meta.PhotoID)
	req.Header.Set("X-File-Name", meta.FileName)

	var out UploadResult
	if err := c.do(req, "upload photo", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) uploadToObjectStore(ctx context.Context, localPath string, meta models.PhotoMetadata, progress ProgressFunc) (*UploadResult, error) {
	hash, err := HashFile(localPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrPhotoFileMissing, "cannot read photo", err)
	}
	key := ContentKey(hash, meta.FileName)

	f, size, err := openForUpload(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := c.store.Put(ctx, key, newProgressReader(f, size, progress), size, contentTypeOf(meta)); err != nil {
		return nil, classify("upload photo", err)
	}
	return &UploadResult{StorageID: key, URL: c.store.URL(key)}, nil
}

// ConfirmPhotoUpload attaches storageID to the record.
func (c *HTTPClient) ConfirmPhotoUpload(ctx context.Context, recordID, storageID string, meta models.PhotoMetadata) (string, error) {
	body, err := json.Marshal(confirmPhotoRequest{StorageID: storageID, Photo: meta})
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "encode photo confirmation", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/records/"+url.PathEscape(recordID)+"/photos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out createRecordResponse
	if err := c.do(req, "confirm photo", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *HTTPClient) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(op, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.Wrap(errors.ErrBackendUnavailable, fmt.Sprintf("%s: decode response", op), err)
	}
	return nil
}

// classify wraps err as BACKEND_REJECTED when permanent, otherwise as
// BACKEND_UNAVAILABLE.
func classify(op string, err error) error {
	if IsPermanent(err) {
		return errors.Wrap(errors.ErrBackendRejected, op+" rejected", err)
	}
	return errors.Wrap(errors.ErrBackendUnavailable, op+" failed", err)
}

func openForUpload(localPath string) (*os.File, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, errors.Wrap(errors.ErrPhotoFileMissing, "cannot open photo", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(errors.ErrPhotoFileMissing, "cannot stat photo", err)
	}
	return f, info.Size(), nil
}

func contentTypeOf(meta models.PhotoMetadata) string {
	if meta.MimeType != "" {
		return meta.MimeType
	}
	return "application/octet-stream"
}
