package stores

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const archiveHTTPTimeout = 30 * time.Second

// archivePockets are the pockets a deb artefact can occupy, in
// pipeline order.
var archivePockets = []string{"proposed", "updates"}

// ArchiveClient reads the Ubuntu archive's per-pocket Packages indices
// to locate a deb package. The archive has no revision concept, so
// entries carry a nil revision.
type ArchiveClient struct {
	log      logrus.FieldLogger
	baseURL  string
	portsURL string
	client   *http.Client
}

// Compile-time interface check.
var _ Client = (*ArchiveClient)(nil)

// NewArchiveClient creates an archive client. baseURL serves amd64 and
// friends; portsURL serves arm architectures.
func NewArchiveClient(
	log logrus.FieldLogger, baseURL, portsURL string,
) *ArchiveClient {
	return &ArchiveClient{
		log:      log.WithField("component", "archive"),
		baseURL:  baseURL,
		portsURL: portsURL,
		client:   &http.Client{Timeout: archiveHTTPTimeout},
	}
}

// ChannelMap looks the package up in every (architecture, pocket)
// index and reports one entry per index that carries it. The per-index
// fetches for one artefact run concurrently; the promotion engine
// itself stays sequential across artefacts.
func (c *ArchiveClient) ChannelMap(
	ctx context.Context,
	artefact *ledger.Artefact,
	architectures []string,
) ([]ChannelEntry, error) {
	origin, ok := artefact.Origin().(pipeline.DebOrigin)
	if !ok {
		return nil, fmt.Errorf("artefact %q is not a deb", artefact.Key())
	}

	if err := origin.Validate(); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		entries []ChannelEntry
	)

	g, gCtx := errgroup.WithContext(ctx)

	for _, arch := range architectures {
		for _, pocket := range archivePockets {
			g.Go(func() error {
				version, err := c.packageVersion(
					gCtx, origin, arch, pocket, artefact.Name,
				)
				if err != nil {
					return err
				}

				if version == "" {
					// Not published in this index.
					return nil
				}

				mu.Lock()
				entries = append(entries, ChannelEntry{
					Architecture: arch,
					Location:     pocket,
					Version:      version,
				})
				mu.Unlock()

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf(
			"fetching archive indices for %q: %w", artefact.Name, err,
		)
	}

	return entries, nil
}

// packageVersion downloads and scans one Packages.gz index, returning
// the version of the named package or "" when absent.
func (c *ArchiveClient) packageVersion(
	ctx context.Context,
	origin pipeline.DebOrigin,
	arch, pocket, name string,
) (string, error) {
	base := c.baseURL
	if strings.HasPrefix(arch, "arm") {
		base = c.portsURL
	}

	url := fmt.Sprintf(
		"%s/%s-%s/%s/binary-%s/Packages.gz",
		base, origin.Series, pocket, origin.Repo, arch,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building archive request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("decompressing %s: %w", url, err)
	}
	defer gz.Close()

	version, err := scanPackagesIndex(gz, name)
	if err != nil {
		return "", fmt.Errorf("scanning %s: %w", url, err)
	}

	c.log.WithFields(logrus.Fields{
		"package": name,
		"pocket":  pocket,
		"arch":    arch,
		"version": version,
	}).Debug("Scanned archive index")

	return version, nil
}

// scanPackagesIndex walks the stanzas of a Packages index looking for
// the named package. Deb names sometimes swap '.' for '_', so either
// is accepted at those positions.
func scanPackagesIndex(r io.Reader, name string) (string, error) {
	pattern, err := regexp.Compile(
		"^" + strings.ReplaceAll(regexp.QuoteMeta(name), "_", "[_.]") + "$",
	)
	if err != nil {
		return "", fmt.Errorf("compiling package name pattern: %w", err)
	}

	var (
		stanzaName    string
		stanzaVersion string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	flush := func() (string, bool) {
		if stanzaName != "" && stanzaVersion != "" &&
			pattern.MatchString(stanzaName) {
			return stanzaVersion, true
		}

		stanzaName, stanzaVersion = "", ""

		return "", false
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if v, ok := flush(); ok {
				return v, nil
			}
		case strings.HasPrefix(line, "Package: "):
			stanzaName = strings.TrimPrefix(line, "Package: ")
		case strings.HasPrefix(line, "Version: "):
			stanzaVersion = strings.TrimPrefix(line, "Version: ")
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading index: %w", err)
	}

	if v, ok := flush(); ok {
		return v, nil
	}

	return "", nil
}
