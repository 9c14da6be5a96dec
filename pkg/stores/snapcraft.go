package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

const snapcraftHTTPTimeout = 10 * time.Second

// snapInfoResponse mirrors the relevant slice of the snapcraft
// /v2/snaps/info response.
type snapInfoResponse struct {
	ChannelMap []snapChannelMapEntry `json:"channel-map"`
}

type snapChannelMapEntry struct {
	Channel  snapChannel `json:"channel"`
	Revision int         `json:"revision"`
	Version  string      `json:"version"`
}

type snapChannel struct {
	Architecture string `json:"architecture"`
	Risk         string `json:"risk"`
	Track        string `json:"track"`
}

// SnapcraftClient queries the snap store info API for a snap's channel
// map. The store is selected per request via the artefact's origin.
type SnapcraftClient struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
}

// Compile-time interface check.
var _ Client = (*SnapcraftClient)(nil)

// NewSnapcraftClient creates a snap store client against the given base
// URL (e.g. https://api.snapcraft.io).
func NewSnapcraftClient(
	log logrus.FieldLogger, baseURL string,
) *SnapcraftClient {
	return &SnapcraftClient{
		log:     log.WithField("component", "snapcraft"),
		baseURL: baseURL,
		client:  &http.Client{Timeout: snapcraftHTTPTimeout},
	}
}

// ChannelMap fetches the snap's channel map and returns the entries of
// the artefact's track. Architectures are not filtered here; the
// promotion engine reconciles only the architectures it has builds for.
func (c *SnapcraftClient) ChannelMap(
	ctx context.Context,
	artefact *ledger.Artefact,
	_ []string,
) ([]ChannelEntry, error) {
	origin, ok := artefact.Origin().(pipeline.SnapOrigin)
	if !ok {
		return nil, fmt.Errorf(
			"artefact %q is not a snap", artefact.Key(),
		)
	}

	if err := origin.Validate(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/snaps/info/%s", c.baseURL, artefact.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building snap info request: %w", err)
	}

	req.Header.Set("Snap-Device-Series", "16")
	req.Header.Set("Snap-Device-Store", origin.Store)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snap info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"snap info for %q returned status %d", artefact.Name, resp.StatusCode,
		)
	}

	var info snapInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding snap info: %w", err)
	}

	entries := make([]ChannelEntry, 0, len(info.ChannelMap))

	for _, cm := range info.ChannelMap {
		if cm.Channel.Track != origin.Track {
			continue
		}

		rev := cm.Revision
		entries = append(entries, ChannelEntry{
			Architecture: cm.Channel.Architecture,
			Location:     cm.Channel.Risk,
			Revision:     &rev,
			Version:      cm.Version,
		})
	}

	c.log.WithFields(logrus.Fields{
		"snap":    artefact.Name,
		"track":   origin.Track,
		"entries": len(entries),
	}).Debug("Fetched snap channel map")

	return entries, nil
}
