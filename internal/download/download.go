// Package download fetches remote images with size and content-type limits.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
)

var (
	// ErrTooLarge is returned when the body exceeds the downloader's size limit.
	ErrTooLarge = errors.New("image too large")
	// ErrNotImage is returned when the server declares a non-image content type.
	ErrNotImage = errors.New("invalid content type")
)

// Image is a downloaded image and the content type the server declared,
// or the sniffed type when it declared none.
type Image struct {
	Data        []byte
	ContentType string
}

// ImageDownloader fetches images over HTTP. The zero limits are replaced by
// the defaults.
type ImageDownloader struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

func NewImageDownloader() *ImageDownloader {
	return &ImageDownloader{
		client:   http.DefaultClient,
		timeout:  DefaultTimeout,
		maxBytes: DefaultMaxBytes,
	}
}

// WithTimeout bounds each download, from dial to the last body byte.
func (d *ImageDownloader) WithTimeout(timeout time.Duration) *ImageDownloader {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func (d *ImageDownloader) WithMaxSize(maxBytes int64) *ImageDownloader {
	if maxBytes > 0 {
		d.maxBytes = maxBytes
	}
	return d
}

// Fetch returns only the image bytes.
func (d *ImageDownloader) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	img, err := d.Download(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return img.Data, nil
}

func (d *ImageDownloader) Download(ctx context.Context, imageURL string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	log.Debug().Str("url", imageURL).Dur("timeout", d.timeout).Msg("downloading image")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	contentType, err := d.checkResponse(resp)
	if err != nil {
		return nil, err
	}
	data, err := d.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Image{Data: data, ContentType: contentType}, nil
}

// checkResponse validates status, declared type and declared length, and
// returns the declared content type.
func (d *ImageDownloader) checkResponse(resp *http.Response) (string, error) {
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || !strings.HasPrefix(mediaType, "image/") {
			return "", fmt.Errorf("%w: expected image/*, got %s", ErrNotImage, contentType)
		}
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, resp.ContentLength, d.maxBytes)
	}
	return contentType, nil
}

// readLimited reads at most maxBytes, failing if the body is longer.
func (d *ImageDownloader) readLimited(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w: exceeds limit of %d bytes", ErrTooLarge, d.maxBytes)
	}
	return data, nil
}
