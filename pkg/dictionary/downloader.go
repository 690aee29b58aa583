package dictionary

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/logger"
)

const (
	DefaultFileName = "jmdict-eng-common.json"
	repoOwner       = "scriptin"
	repoName        = "jmdict-simplified"
)

// Downloader fetches the latest jmdict-simplified release.
type Downloader struct {
	// ReleaseURL is the GitHub "latest release" API endpoint.
	ReleaseURL string
	Client     *http.Client
	Log        *logger.Logger
}

// NewDownloader returns a Downloader pointed at the upstream repository.
func NewDownloader(log *logger.Logger) *Downloader {
	return &Downloader{
		ReleaseURL: "https://api.github.com/repos/" + repoOwner + "/" + repoName + "/releases/latest",
		Client:     &http.Client{Timeout: 5 * time.Minute},
		Log:        logger.OrNop(log).With("component", "dictionary"),
	}
}

// EnsureDictionary checks if the dictionary exists at path.
// If not, it discovers the latest release, downloads it, and decompresses it.
func (d *Downloader) EnsureDictionary(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "stat dictionary")
	}

	d.Log.Info("dictionary not found; downloading", "path", path)
	downloadURL, err := d.latestAssetURL(ctx)
	if err != nil {
		return errors.WithMessage(err, "find latest dictionary release")
	}

	d.Log.Info("downloading dictionary", "url", downloadURL)
	return d.downloadAndExtract(ctx, downloadURL, path)
}

// EnsureDictionary downloads the dictionary to path from the upstream
// repository unless it already exists.
func EnsureDictionary(ctx context.Context, path string) error {
	return NewDownloader(nil).EnsureDictionary(ctx, path)
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	// Add User-Agent as required by GitHub API
	req.Header.Set("User-Agent", "voxqueue-cli")
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp, nil
}

func (d *Downloader) latestAssetURL(ctx context.Context) (string, error) {
	resp, err := d.get(ctx, d.ReleaseURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var release struct {
		Assets []struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", errors.Wrap(err, "decode release")
	}

	// Pattern: jmdict-eng-common-*.json.tgz
	for _, asset := range release.Assets {
		if strings.Contains(asset.Name, "jmdict-eng-common") && (strings.HasSuffix(asset.Name, ".json.tgz") || strings.HasSuffix(asset.Name, ".json.gz")) {
			return asset.BrowserDownloadURL, nil
		}
	}
	return "", errors.New("no suitable dictionary asset found in latest release")
}

// downloadAndExtract writes the first .json member of the tar.gz at url to
// destPath. The file is written under a temporary name and renamed, so a
// failed download never leaves a partial dictionary behind.
func (d *Downloader) downloadAndExtract(ctx context.Context, url, destPath string) error {
	resp, err := d.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	gzReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return errors.Wrap(err, "create gzip reader")
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return errors.New("no json file found in downloaded archive")
		}
		if err != nil {
			return errors.Wrap(err, "read tar archive")
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, ".json") {
			continue
		}

		tmp, err := os.CreateTemp(filepath.Dir(destPath), ".jmdict-*.json")
		if err != nil {
			return errors.Wrap(err, "create output file")
		}
		if _, err := io.Copy(tmp, tarReader); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return errors.Wrap(err, "write dictionary")
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return errors.Wrap(err, "close dictionary")
		}
		return errors.Wrap(os.Rename(tmp.Name(), destPath), "install dictionary")
	}
}
