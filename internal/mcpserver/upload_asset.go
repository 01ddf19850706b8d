package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/folio/internal/checksum"
	"github.com/starford/folio/internal/models"
)

const (
	maxAssetSize     = 10 << 20
	maxAssetRedirect = 5
)

// assetTypes maps the accepted media types to their canonical extension.
var assetTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"application/pdf": ".pdf",
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// asset is fetched content waiting to be stored.
type asset struct {
	data []byte
	// declared is the media type claimed by the source; it may be empty.
	declared string
	// name is a file name hinted by the source; it may be empty.
	name string
}

// kind returns the sniffed media type. SVG is text to the sniffer, so it
// is recognised by its root element.
func (a asset) kind() string {
	head := a.data[:min(len(a.data), 1024)]
	if bytes.Contains(head, []byte("<svg")) {
		return "image/svg+xml"
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(a.data))
	return mt
}

type uploadResult struct {
	Ref           models.BlobRef   `json:"ref"`
	Size          int64            `json:"size"`
	Filename      string           `json:"filename"`
	MarkdownImage string           `json:"markdownImage"`
	NoteVersion   models.VersionID `json:"noteVersion,omitempty"`
}

func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var a asset
	if strings.HasPrefix(raw, "data:") {
		a, err = parseDataURI(raw)
	} else {
		a, err = download(ctx, raw)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name, err := assetName(a, req.GetString("filename", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ref, size, err := s.svc.PutBlob(ctx, bytes.NewReader(a.data))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store asset: %v", err)), nil
	}
	res := uploadResult{
		Ref:           ref,
		Size:          size,
		Filename:      name,
		MarkdownImage: fmt.Sprintf("![%s](/api/blobs/%s)", name, ref),
	}

	if rawID := req.GetString("note_id", ""); rawID != "" {
		id, err := models.ParseNoteID(rawID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		v, err := s.svc.AttachBlob(ctx, id, name, ref)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stored %s but could not attach it: %v", ref, err)), nil
		}
		res.NoteVersion = v
	}

	out, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// assetName settles the stored file name. The sniffed content type must be
// accepted and must agree with the name's extension. Without a usable hint
// the name is derived from the content digest.
func assetName(a asset, requested string) (string, error) {
	if len(a.data) == 0 {
		return "", errors.New("asset is empty")
	}
	kind := a.kind()
	ext, ok := assetTypes[kind]
	if !ok {
		return "", fmt.Errorf("unsupported content type %s (allowed: png, jpeg, gif, webp, svg, pdf)", kind)
	}
	if _, known := assetTypes[a.declared]; known && a.declared != kind {
		return "", fmt.Errorf("source declares %s but content is %s", a.declared, kind)
	}

	name := requested
	if name == "" {
		name = a.name
	}
	if name = cleanName(name); name == "" {
		return "asset-" + checksum.Sum(a.data)[:12] + ext, nil
	}

	got := strings.ToLower(filepath.Ext(name))
	if got == ".jpeg" {
		got = ".jpg"
	}
	if got != ext {
		return "", fmt.Errorf("content is %s but the name %q says %s", kind, name, filepath.Ext(name))
	}
	return name, nil
}

// cleanName keeps the last path element and replaces unsafe characters.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return unsafeNameRe.ReplaceAllString(name, "_")
}

// parseDataURI decodes data:<mediatype>;base64,<payload>.
func parseDataURI(uri string) (asset, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return asset{}, errors.New("invalid data URI: missing comma")
	}
	declared, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		return asset{}, errors.New("only base64 data URIs are supported")
	}
	if len(payload) > base64.StdEncoding.EncodedLen(maxAssetSize) {
		return asset{}, fmt.Errorf("asset exceeds %d bytes", maxAssetSize)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return asset{}, fmt.Errorf("invalid base64 payload: %w", err)
		}
	}
	declared, _, _ = strings.Cut(declared, ";")
	return asset{data: data, declared: declared}, nil
}

// download fetches an http(s) URL. Loopback, link-local and private
// destinations are refused, including after redirects.
func download(ctx context.Context, raw string) (asset, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return asset{}, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return asset{}, fmt.Errorf("unsupported scheme %q (only http and https)", u.Scheme)
	}
	if err := allowHost(u.Hostname()); err != nil {
		return asset{}, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= maxAssetRedirect {
				return fmt.Errorf("more than %d redirects", maxAssetRedirect)
			}
			return allowHost(r.URL.Hostname())
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return asset{}, fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return asset{}, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return asset{}, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return asset{}, fmt.Errorf("download: %w", err)
	}
	if len(data) > maxAssetSize {
		return asset{}, fmt.Errorf("asset exceeds %d bytes", maxAssetSize)
	}

	declared, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	name := path.Base(resp.Request.URL.Path)
	if !strings.Contains(name, ".") {
		name = ""
	}
	return asset{data: data, declared: declared, name: name}, nil
}

// allowHost refuses addresses that reach the local machine or its network.
// Unresolvable names are left for the HTTP client to report.
func allowHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host %s", host)
	}
	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return nil //nolint:nilerr
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() || ip.IsUnspecified() {
			return fmt.Errorf("blocked host %s (%s)", host, ip)
		}
	}
	return nil
}
