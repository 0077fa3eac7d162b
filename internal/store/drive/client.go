// Package drive implements domain.FileStore on top of the Google Drive v3 REST API.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/observability"
	"github.com/spherical/ocr-pipeline/internal/retry"
)

const (
	defaultAPIURL    = "https://www.googleapis.com/drive/v3"
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3"
	defaultPageSize  = 100

	listFields   = "nextPageToken, files(id, name, mimeType, size, md5Checksum)"
	uploadFields = "id, name, mimeType, size, md5Checksum"
)

// Client talks to Google Drive
type Client struct {
	httpClient *http.Client
	apiURL     string
	uploadURL  string
	pageSize   int
	retry      retry.Config
	logger     *observability.Logger
}

// Options configures a Client. Zero values fall back to the public endpoints.
type Options struct {
	APIURL    string
	UploadURL string
	PageSize  int
	Retry     retry.Config
	Logger    *observability.Logger
}

// file mirrors the Drive files resource fields we request
type file struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        string `json:"size"` // int64 encoded as a string
	Md5Checksum string `json:"md5Checksum"`
}

// fileList mirrors the files.list response
type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []file `json:"files"`
}

// NewClient creates a Drive client. httpClient must carry OAuth2 credentials.
func NewClient(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.UploadURL == "" {
		opts.UploadURL = defaultUploadURL
	}
	if opts.PageSize <= 0 || opts.PageSize > 1000 {
		opts.PageSize = defaultPageSize
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialBackoff == 0 {
		opts.Retry = retry.DefaultConfig()
	}

	return &Client{
		httpClient: httpClient,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		uploadURL:  strings.TrimRight(opts.UploadURL, "/"),
		pageSize:   opts.PageSize,
		retry:      opts.Retry,
		logger:     observability.OrNop(opts.Logger).WithComponent("drive"),
	}
}

// List yields the non-trashed files whose parent is folder, following
// nextPageToken until the listing is exhausted.
func (c *Client) List(ctx context.Context, folder string) iter.Seq2[domain.RemoteObject, error] {
	return func(yield func(domain.RemoteObject, error) bool) {
		pageToken := ""
		for {
			page, err := c.listPage(ctx, folder, pageToken)
			if err != nil {
				yield(domain.RemoteObject{}, err)
				return
			}

			for _, f := range page.Files {
				if !yield(f.toRemoteObject(), nil) {
					return
				}
			}

			if page.NextPageToken == "" {
				return
			}
			pageToken = page.NextPageToken
		}
	}
}

func (c *Client) listPage(ctx context.Context, folder, pageToken string) (*fileList, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folder)))
	params.Set("fields", listFields)
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("orderBy", "name")
	params.Set("supportsAllDrives", "true")
	params.Set("includeItemsFromAllDrives", "true")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	endpoint := c.apiURL + "/files?" + params.Encode()

	resp, err := retry.Do(ctx, c.retry, c.logger, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, fmt.Sprintf("list folder %s", folder))
	}

	var page fileList
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, domain.StorageError("decode file list", err)
	}

	c.logger.Debug().
		Str("folder", folder).
		Int("files", len(page.Files)).
		Bool("more", page.NextPageToken != "").
		Msg("Listed page")

	return &page, nil
}

// Download opens the content of a file. The caller closes the reader.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/files/%s?alt=media&supportsAllDrives=true", c.apiURL, url.PathEscape(id))

	resp, err := retry.Do(ctx, c.retry, c.logger, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, downloadError(resp, id)
	}

	return resp.Body, nil
}

// Upload creates a new file named name in folder using a multipart upload.
func (c *Client) Upload(ctx context.Context, folder, name, mimeType string, content io.Reader) (*domain.RemoteObject, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, domain.IOError("read upload content", err)
	}

	body, contentType, err := buildMultipart(folder, name, mimeType, data)
	if err != nil {
		return nil, domain.StorageError("build upload body", err)
	}

	params := url.Values{}
	params.Set("uploadType", "multipart")
	params.Set("fields", uploadFields)
	params.Set("supportsAllDrives", "true")
	endpoint := c.uploadURL + "/files?" + params.Encode()

	resp, err := retry.Do(ctx, c.retry, c.logger, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, fmt.Sprintf("upload %s", name))
	}

	var created file
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, domain.StorageError("decode upload response", err)
	}

	obj := created.toRemoteObject()
	return &obj, nil
}

// buildMultipart encodes metadata and content as a multipart/related body
func buildMultipart(folder, name, mimeType string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	meta := map[string]interface{}{
		"name":     name,
		"mimeType": mimeType,
		"parents":  []string{folder},
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return nil, "", err
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	mediaPart, err := mw.CreatePart(mediaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := mediaPart.Write(data); err != nil {
		return nil, "", err
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "multipart/related; boundary=" + mw.Boundary(), nil
}

// apiError mirrors the Drive error envelope
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// authReasons are 403 reasons that apply to the credentials rather than to a
// single file.
var authReasons = map[string]bool{
	"authError":               true,
	"insufficientPermissions": true,
	"accessNotConfigured":     true,
	"forbidden":               true,
}

// quotaReasons are 403 reasons Drive uses for project or user rate limits.
var quotaReasons = map[string]bool{
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// statusError maps an unexpected response to a domain error
func statusError(resp *http.Response, what string) error {
	msg, _ := readStatus(resp, what)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.AuthError(msg, nil)
	default:
		return domain.StorageError(msg, nil)
	}
}

// downloadError maps a failed download. A 403 whose reasons are all file
// specific (cannotDownloadAbusiveFile, downloadQuotaExceeded,
// insufficientFilePermissions, ...) only affects that file. A 403 without
// reasons is treated as a credentials failure.
func downloadError(resp *http.Response, id string) error {
	msg, reasons := readStatus(resp, fmt.Sprintf("download %s", id))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return domain.AuthError(msg, nil)
	case http.StatusForbidden:
		if len(reasons) == 0 {
			return domain.AuthError(msg, nil)
		}
		for _, r := range reasons {
			if authReasons[r] {
				return domain.AuthError(msg, nil)
			}
			if quotaReasons[r] {
				return domain.UnavailableError(msg, nil)
			}
		}
		return domain.RejectedError(msg, nil)
	default:
		return domain.StorageError(msg, nil)
	}
}

// readStatus formats the response for an error message and extracts the
// Drive error reasons, if any.
func readStatus(resp *http.Response, what string) (string, []string) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := fmt.Sprintf("%s: status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))

	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err != nil {
		return msg, nil
	}
	reasons := make([]string, 0, len(envelope.Error.Errors))
	for _, e := range envelope.Error.Errors {
		if e.Reason != "" {
			reasons = append(reasons, e.Reason)
		}
	}
	return msg, reasons
}

// escapeQuery escapes a value for use inside a single-quoted Drive query string
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func (f file) toRemoteObject() domain.RemoteObject {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return domain.RemoteObject{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     size,
		Checksum: f.Md5Checksum,
	}
}
