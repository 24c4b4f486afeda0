package tracking

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// ArtifactPath converts an artifact URI into a path on the artifact proxy.
// Supported forms are mlflow-artifacts:/<path>, mlflow-artifacts://host/<path>
// and http(s)://host/api/2.0/mlflow-artifacts/artifacts/<path>.
func ArtifactPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid artifact URI %q: %w", uri, err)
	}

	switch u.Scheme {
	case "mlflow-artifacts":
		return cleanArtifactPath(u.Path)
	case "http", "https":
		i := strings.Index(u.Path, artifactPrefix)
		if i < 0 {
			return "", fmt.Errorf("artifact URI %q does not point at the artifact proxy", uri)
		}
		return cleanArtifactPath(u.Path[i+len(artifactPrefix):])
	default:
		return "", fmt.Errorf("unsupported artifact URI scheme %q in %q", u.Scheme, uri)
	}
}

func cleanArtifactPath(p string) (string, error) {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("artifact path %q escapes the artifact root", p)
		}
	}
	return strings.Trim(path.Clean("/"+p), "/"), nil
}

func joinArtifactPath(elem ...string) string {
	return strings.Trim(path.Join(elem...), "/")
}

func (c *Client) artifactURL(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.endpoint(artifactPrefix+"/"+strings.Join(segs, "/"), nil)
}

// LogArtifact uploads one local file under artifactPath of the run's artifact root
func (c *Client) LogArtifact(ctx context.Context, artifactURI, localPath, artifactPath string) error {
	root, err := ArtifactPath(artifactURI)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	dest := joinArtifactPath(root, artifactPath, filepath.Base(localPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.artifactURL(dest), f)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req, "mlflow-artifacts/artifacts/"+dest)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogArtifacts uploads every file below localDir, keeping relative paths
func (c *Client) LogArtifacts(ctx context.Context, artifactURI, localDir, artifactPath string) error {
	count := 0
	err := filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, filepath.Dir(p))
		if err != nil {
			return err
		}
		sub := artifactPath
		if rel != "." {
			sub = joinArtifactPath(artifactPath, filepath.ToSlash(rel))
		}
		count++
		return c.LogArtifact(ctx, artifactURI, p, sub)
	})
	if err != nil {
		return err
	}
	c.log.Debug("uploaded artifacts",
		zap.String("artifact_uri", artifactURI),
		zap.String("artifact_path", artifactPath),
		zap.Int("files", count))
	return nil
}

// ListArtifacts lists the direct children of p below the artifact URI.
// Returned paths are relative to the artifact URI.
func (c *Client) ListArtifacts(ctx context.Context, artifactURI, p string) ([]models.FileInfo, error) {
	root, err := ArtifactPath(artifactURI)
	if err != nil {
		return nil, err
	}

	var out struct {
		Files []models.FileInfo `json:"files"`
	}
	target := joinArtifactPath(root, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(artifactPrefix, url.Values{"path": {target}}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "mlflow-artifacts/artifacts?path="+target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode artifact listing: %w", err)
	}

	files := make([]models.FileInfo, 0, len(out.Files))
	for _, f := range out.Files {
		name := path.Base(f.Path)
		if name == "." || name == "/" || name == ".." {
			continue
		}
		f.Path = joinArtifactPath(p, name)
		files = append(files, f)
	}
	return files, nil
}

// DownloadArtifact streams one artifact file to w
func (c *Client) DownloadArtifact(ctx context.Context, artifactURI, p string, w io.Writer) error {
	root, err := ArtifactPath(artifactURI)
	if err != nil {
		return err
	}
	target := joinArtifactPath(root, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.artifactURL(target), nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.do(req, "mlflow-artifacts/artifacts/"+target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	sink := &sinkWriter{w: w}
	if _, err := io.Copy(sink, resp.Body); err != nil {
		if sink.err != nil {
			return fmt.Errorf("failed to write artifact %s: %w", p, sink.err)
		}
		return connectivityError(c.base.String()+" mlflow-artifacts/artifacts/"+target, err)
	}
	return nil
}

// sinkWriter remembers write failures so they are not mistaken for read failures
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// DownloadArtifacts copies every artifact below the URI into localDir and
// returns the relative paths written
func (c *Client) DownloadArtifacts(ctx context.Context, artifactURI, localDir string) ([]string, error) {
	var written []string
	var walk func(p string) error
	walk = func(p string) error {
		files, err := c.ListArtifacts(ctx, artifactURI, p)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir {
				if err := walk(f.Path); err != nil {
					return err
				}
				continue
			}
			if err := c.downloadTo(ctx, artifactURI, f.Path, localDir); err != nil {
				return err
			}
			written = append(written, f.Path)
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return written, nil
}

func (c *Client) downloadTo(ctx context.Context, artifactURI, p, localDir string) error {
	dest := filepath.Join(localDir, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	if err := c.DownloadArtifact(ctx, artifactURI, p, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}
