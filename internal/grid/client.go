package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/utils"
	"golang.org/x/oauth2"
)

// Download is an export file request together with its catalog identifier.
type Download struct {
	ID int
	transfer.Request
}

type Options struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Pool       *transfer.Pool
	Uploader   *transfer.Uploader
}

// Client talks to the GRiD catalog. Catalog listings and export files go
// through the fetch pool; the remaining JSON calls use an oauth2 client.
type Client struct {
	baseURL  string
	tokens   oauth2.TokenSource
	api      *http.Client
	pool     *transfer.Pool
	uploader *transfer.Uploader
}

func NewClient(opts Options) *Client {
	base := opts.HTTPClient
	if base == nil {
		base = utils.NewHTTPClient(utils.HTTPClientConfig{})
	}
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
	api := &http.Client{
		Transport:     &oauth2.Transport{Source: tokens, Base: base.Transport},
		CheckRedirect: base.CheckRedirect,
		Timeout:       base.Timeout,
	}
	pool := opts.Pool
	if pool == nil {
		pool = transfer.NewPool(base, transfer.PoolOptions{})
	}
	uploader := opts.Uploader
	if uploader == nil {
		uploader = transfer.NewUploader(base, transfer.UploaderOptions{})
	}
	baseURL := opts.URL
	if baseURL == "" {
		baseURL = utils.DefaultGridURL
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		api:      api,
		pool:     pool,
		uploader: uploader,
	}
}

func (c *Client) Pool() *transfer.Pool { return c.pool }

// AuthHeader returns the Authorization header sent with engine requests.
func (c *Client) AuthHeader() (http.Header, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("getting access token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return header, nil
}

// GetAOIs lists every AOI of the user, or the single AOI id when id is not 0.
func (c *Client) GetAOIs(ctx context.Context, id int) ([]AOI, error) {
	log.Debug().Str("op", "grid/client").Msgf("Getting export information for aoi %d from %s", id, c.baseURL)
	args := "intersections=false&intersection_geoms=false"
	endpoint := fmt.Sprintf("%s%s?%s&export_full=true", c.baseURL, aoiEndpoint, args)
	if id != 0 {
		endpoint = fmt.Sprintf("%s%s/%d?%s&export_full=false", c.baseURL, aoiEndpoint, id, args)
	}
	var payload struct {
		AOIs []AOI `json:"aois"`
	}
	if err := c.fetchJSON(ctx, endpoint, &payload); err != nil {
		log.Error().Str("op", "grid/client").Msgf("Listing aois failed: %v", err)
		return nil, err
	}
	return payload.AOIs, nil
}

// GetExports resolves an export into the files to download. Auxiliary and
// license files are listed once per URL.
func (c *Client) GetExports(ctx context.Context, exportID int) ([]Download, error) {
	endpoint := fmt.Sprintf("%s%s/%d?file_geoms=false", c.baseURL, exportEndpoint, exportID)
	var payload struct {
		Exports []Export `json:"exports"`
	}
	if err := c.fetchJSON(ctx, endpoint, &payload); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 0 {
			log.Warn().Str("op", "grid/client").Msgf("Export %d returned an error: %s", exportID, apiErr.Message)
			return nil, nil
		}
		return nil, err
	}

	var downloads []Download
	supplemental := map[string]bool{}
	for _, item := range payload.Exports {
		files, err := item.ExportFiles()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			storagePath := ""
			if f.StoragePath != nil {
				storagePath = *f.StoragePath
			} else {
				storagePath = legacyStoragePath(f.Datatype, f.StorageName, item.Key())
			}
			downloads = append(downloads, Download{
				ID: f.Key(),
				Request: transfer.Request{
					URL:      f.URL,
					Name:     f.Name,
					SavePath: savePath(item.Name, storagePath, f.Name),
					Total:    f.Filesize,
				},
			})
		}
		for _, aux := range slices.Concat(item.Auxfiles, item.Licensefiles) {
			if supplemental[aux.URL] {
				continue
			}
			supplemental[aux.URL] = true
			downloads = append(downloads, Download{
				ID: aux.ID,
				Request: transfer.Request{
					URL:      aux.URL,
					Name:     aux.Name,
					SavePath: savePath(item.Name, aux.StoragePath, aux.Name),
					Total:    aux.Filesize,
				},
			})
		}
	}
	return downloads, nil
}

// legacyStoragePath rebuilds storage_path for catalogs that only send
// storage_name, shaped like /u02/exports/<user>/<aoi>/<export>/dir/file.tif.
func legacyStoragePath(datatype, storageName string, exportID int) string {
	tail := storageName
	marker := strconv.Itoa(exportID)
	if i := strings.LastIndex(storageName, marker); i >= 0 {
		tail = storageName[i+len(marker):]
	}
	dir := ""
	if j := strings.LastIndex(tail, "/"); j >= 0 {
		dir = tail[:j]
	}
	return "./" + datatype + dir
}

func savePath(exportName, storagePath, fileName string) string {
	return path.Join(exportName, strings.Trim(storagePath, "/"), fileName)
}

var intersectOrder = []string{"raster", "mesh", "pointcloud", "vector"}

// MakeExports starts an export of the AOI covering the products of the given
// intersect types (raster, mesh, pointcloud, vector; all when empty).
func (c *Client) MakeExports(ctx context.Context, aoi AOI, name string, intersectTypes []string) ([]ExportStarted, error) {
	if len(intersectTypes) == 0 {
		intersectTypes = intersectOrder
	}
	seen := map[string]bool{}
	var productIDs []string
	for _, kind := range intersectTypes {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if seen[kind] {
			continue
		}
		seen[kind] = true
		var products []Product
		switch kind {
		case "raster":
			products = aoi.RasterIntersects
		case "mesh":
			products = aoi.MeshIntersects
		case "pointcloud":
			products = aoi.PointcloudIntersects
		case "vector":
			products = aoi.VectorIntersects
		default:
			log.Warn().Str("op", "grid/client").Msgf("Unknown intersect type %s, needs to be one of raster, mesh, pointcloud or vector; ignoring", kind)
			continue
		}
		for _, p := range products {
			productIDs = append(productIDs, strconv.Itoa(p.ID))
		}
	}

	form := url.Values{
		"aoi":                {strconv.Itoa(aoi.Key())},
		"products":           {strings.Join(productIDs, ",")},
		"name":               {name},
		"intersections":      {"true"},
		"intersection_geoms": {"false"},
	}
	var payload struct {
		Exports []ExportStarted `json:"exports"`
	}
	endpoint := c.baseURL + exportEndpoint
	err := c.doJSON(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &payload)
	if err != nil {
		return nil, err
	}
	return payload.Exports, nil
}

// CheckTask lists the user's tasks, or a single task when taskID is set.
func (c *Client) CheckTask(ctx context.Context, taskID string) ([]Task, error) {
	endpoint := c.baseURL + taskEndpoint
	if taskID != "" {
		endpoint += "/" + url.PathEscape(taskID)
	}
	endpoint += "?sort=task_id"
	var payload struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, "", &payload); err != nil {
		log.Warn().Str("op", "grid/client").Msgf("Task endpoint failed: %v", err)
		return nil, err
	}
	return payload.Tasks, nil
}

// UploadAsset uploads a local file into the user's storage under directory.
func (c *Client) UploadAsset(ctx context.Context, filePath, directory string, bytesPerChunk int64, progress transfer.Progress) error {
	if bytesPerChunk <= 0 {
		bytesPerChunk = utils.DefaultBytesPerChunk
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	log.Info().Str("op", "grid/client").Msgf("Starting upload of %s", filePath)
	nparts := utils.CeilDiv(info.Size(), bytesPerChunk)
	key := utils.StorageKey(directory, filePath)
	uploadURL := c.baseURL + uploadEndpoint

	params := url.Values{"key": {key}}
	var opened struct {
		UploadID Text `json:"upload_id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, uploadURL+"/open/?"+params.Encode(), nil, "", &opened); err != nil {
		return fmt.Errorf("opening upload of %s: %w", key, err)
	}
	if opened.UploadID == "" {
		return &APIError{Endpoint: uploadURL + "/open/", Message: "no upload_id returned"}
	}

	params.Set("upload_id", string(opened.UploadID))
	params.Set("nparts", strconv.FormatInt(nparts, 10))
	var presigned struct {
		Parts []struct {
			Part int    `json:"part"`
			URL  string `json:"url"`
		} `json:"parts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, uploadURL+"/get_urls/?"+params.Encode(), nil, "", &presigned); err != nil {
		return fmt.Errorf("getting part urls of %s: %w", key, err)
	}
	sort.Slice(presigned.Parts, func(i, j int) bool { return presigned.Parts[i].Part < presigned.Parts[j].Part })
	urls := make([]string, len(presigned.Parts))
	for i, part := range presigned.Parts {
		urls[i] = part.URL
	}

	headers, err := c.AuthHeader()
	if err != nil {
		return err
	}
	manifest, err := c.uploader.Upload(ctx, filePath, urls, bytesPerChunk, headers, progress)
	if err != nil {
		return err
	}

	closing, err := json.Marshal(map[string]any{
		"upload_id":   string(opened.UploadID),
		"key":         key,
		"upload_info": manifest,
	})
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPut, uploadURL+"/close/", bytes.NewReader(closing), "application/json", nil); err != nil {
		return fmt.Errorf("closing upload of %s: %w", key, err)
	}
	log.Info().Str("op", "grid/client").Msgf("Finished upload of %s", filePath)
	return nil
}

// fetchJSON downloads a catalog document through the fetch pool.
func (c *Client) fetchJSON(ctx context.Context, endpoint string, v any) error {
	headers, err := c.AuthHeader()
	if err != nil {
		return err
	}
	result := c.pool.Fetch(ctx, []transfer.Request{{URL: endpoint}}, headers)[0]
	if statusErr, ok := result.Response(); ok {
		return &APIError{Endpoint: endpoint, StatusCode: statusErr.StatusCode, Message: errorMessage(statusErr.Body)}
	}
	if result.Err != nil {
		return fmt.Errorf("fetching %s: %w", endpoint, result.Err)
	}
	r, err := result.Content.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return decodePayload(endpoint, data, v)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body io.Reader, contentType string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	log.Debug().Str("op", "grid/client").Msgf("%s %s returned %s", method, endpoint, resp.Status)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if v == nil {
		return nil
	}
	return decodePayload(endpoint, data, v)
}

// decodePayload decodes a catalog response, turning {"error": ...} bodies
// into an APIError.
func decodePayload(endpoint string, data []byte, v any) error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}
	if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		return &APIError{Endpoint: endpoint, Message: rawText(envelope.Error)}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		return rawText(envelope.Error)
	}
	return strings.TrimSpace(string(body))
}

func rawText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
