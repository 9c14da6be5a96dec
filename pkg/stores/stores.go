// Package stores contains clients for the external package stores that
// act as the source of truth for artefact pipeline positions.
package stores

import (
	"context"
	"fmt"

	"github.com/canonical/test-observer/pkg/config"
	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

// ChannelEntry is the normalized location descriptor one external
// store reports for one architecture: where the artefact currently
// lives, at which revision (when the store has a revision concept), and
// at which version.
type ChannelEntry struct {
	Architecture string
	Location     string
	Revision     *int
	Version      string
}

// Client fetches the channel map of one artefact from its external
// store. Implementations must bound each fetch with a timeout; any
// non-2xx or malformed response is an error.
type Client interface {
	ChannelMap(
		ctx context.Context,
		artefact *ledger.Artefact,
		architectures []string,
	) ([]ChannelEntry, error)
}

// Registry maps artefact families to their store clients. Families
// without an external store (e.g. images, which are promoted manually)
// have no entry.
type Registry map[pipeline.FamilyName]Client

// NewRegistry builds the store clients from configuration. Clients are
// explicit values injected into the promotion engine, never
// process-wide state, so tests can substitute fakes.
func NewRegistry(
	log logrus.FieldLogger, cfg *config.PromotionConfig,
) Registry {
	return Registry{
		pipeline.FamilySnap: NewSnapcraftClient(log, cfg.Snapcraft.BaseURL),
		pipeline.FamilyDeb: NewArchiveClient(
			log, cfg.Archive.BaseURL, cfg.Archive.PortsURL,
		),
	}
}

// For returns the client registered for a family.
func (r Registry) For(family pipeline.FamilyName) (Client, error) {
	c, ok := r[family]
	if !ok {
		return nil, fmt.Errorf("no store client for family %q", family)
	}

	return c, nil
}
