// Package remote implements the content-addressed push/pull protocol
// (spec §4.9, §6): an HTTP client over PUT/GET/HEAD /blobs/{kind}/{key},
// GET /blobs/{kind} listing, and GET/PUT /registry, plus the push/pull
// orchestration that drives it against the local object/layer/metadata
// stores. Blob uploads are gzip-compressed in transit with
// klauspost/compress, and blob downloads ask for gzip and decompress it
// when the server sends it; listing and registry requests are not
// compressed. Objects are always hashed and stored on disk
// as raw bytes, so transport compression never weakens the object
// integrity invariant.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BlobKind is one of the three blob classes the protocol distinguishes.
type BlobKind string

const (
	Object   BlobKind = "Object"
	Layer    BlobKind = "Layer"
	Metadata BlobKind = "Metadata"
)

const (
	protocolHeader  = "X-Karapace-Protocol"
	protocolVersion = "1"
)

// Client talks to one remote store over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for baseURL with a sane default timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) blobURL(kind BlobKind, key string) string {
	return fmt.Sprintf("%s/blobs/%s/%s", c.BaseURL, kind, key)
}

func (c *Client) do(req *http.Request, key string) (*http.Response, error) {
	req.Header.Set(protocolHeader, protocolVersion)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	return resp, nil
}

// Head reports whether a blob exists on the remote, without fetching it.
func (c *Client) Head(kind BlobKind, key string) (bool, error) {
	req, err := http.NewRequest(http.MethodHead, c.blobURL(kind, key), nil)
	if err != nil {
		return false, &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	resp, err := c.do(req, key)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{Kind: HTTPStatus, Key: key, Code: resp.StatusCode, Message: resp.Status}
	}
}

// Put uploads data under key, gzip-compressed in transit.
func (c *Client) Put(kind BlobKind, key string, data []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	if err := gz.Close(); err != nil {
		return &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}

	req, err := http.NewRequest(http.MethodPut, c.blobURL(kind, key), &buf)
	if err != nil {
		return &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req, key)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &Error{Kind: HTTPStatus, Key: key, Code: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

// Get downloads the blob stored under key. It does not verify content
// hash, callers that key blobs by their own hash (objects) must
// re-hash on receipt themselves (spec §4.9); this layer only handles
// transport.
func (c *Client) Get(kind BlobKind, key string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.blobURL(kind, key), nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.do(req, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Kind: HTTPStatus, Key: key, Code: http.StatusNotFound, Message: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: HTTPStatus, Key: key, Code: resp.StatusCode, Message: resp.Status}
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{Kind: Transport, Key: key, Message: err.Error(), Wrapped: err}
	}
	return data, nil
}

// List returns every key the remote holds for kind.
func (c *Client) List(kind BlobKind) ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/blobs/%s", c.BaseURL, kind), nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Key: string(kind), Message: err.Error(), Wrapped: err}
	}
	resp, err := c.do(req, string(kind))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: HTTPStatus, Key: string(kind), Code: resp.StatusCode, Message: resp.Status}
	}
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, &Error{Kind: Transport, Key: string(kind), Message: err.Error(), Wrapped: err}
	}
	return keys, nil
}

// GetRegistry fetches the full registry index.
func (c *Client) GetRegistry() (Registry, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/registry", nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Key: "registry", Message: err.Error(), Wrapped: err}
	}
	resp, err := c.do(req, "registry")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Kind: HTTPStatus, Key: "registry", Code: http.StatusNotFound, Message: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: HTTPStatus, Key: "registry", Code: resp.StatusCode, Message: resp.Status}
	}
	reg := Registry{}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, &Error{Kind: Transport, Key: "registry", Message: err.Error(), Wrapped: err}
	}
	return reg, nil
}

// PutRegistry overwrites the remote registry index with reg.
func (c *Client) PutRegistry(reg Registry) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return &Error{Kind: Transport, Key: "registry", Message: err.Error(), Wrapped: err}
	}
	req, err := http.NewRequest(http.MethodPut, c.BaseURL+"/registry", bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: Transport, Key: "registry", Message: err.Error(), Wrapped: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, "registry")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &Error{Kind: HTTPStatus, Key: "registry", Code: resp.StatusCode, Message: resp.Status}
	}
	return nil
}
