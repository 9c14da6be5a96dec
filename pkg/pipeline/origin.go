package pipeline

import "fmt"

// Origin is the family-specific descriptor that identifies where an
// artefact comes from in its external store. Each family carries its
// own variant; the promotion engine dispatches on the concrete type.
type Origin interface {
	Family() FamilyName
	Validate() error
}

// SnapOrigin locates a snap in a snap store.
type SnapOrigin struct {
	Track string
	Store string
}

// Family implements Origin.
func (SnapOrigin) Family() FamilyName { return FamilySnap }

// Validate implements Origin.
func (o SnapOrigin) Validate() error {
	if o.Store == "" {
		return fmt.Errorf("snap origin requires a store")
	}

	if o.Track == "" {
		return fmt.Errorf("snap origin requires a track")
	}

	return nil
}

// CharmOrigin locates a charm in charmhub. Charms share the snap
// channel model.
type CharmOrigin struct {
	Track string
}

// Family implements Origin.
func (CharmOrigin) Family() FamilyName { return FamilyCharm }

// Validate implements Origin.
func (o CharmOrigin) Validate() error {
	if o.Track == "" {
		return fmt.Errorf("charm origin requires a track")
	}

	return nil
}

// DebOrigin locates a deb package in an apt archive.
type DebOrigin struct {
	Series string
	Repo   string
}

// Family implements Origin.
func (DebOrigin) Family() FamilyName { return FamilyDeb }

// Validate implements Origin.
func (o DebOrigin) Validate() error {
	if o.Series == "" {
		return fmt.Errorf("deb origin requires a series")
	}

	if o.Repo == "" {
		return fmt.Errorf("deb origin requires a repo")
	}

	return nil
}

// ImageOrigin identifies an image artefact by its content hash.
type ImageOrigin struct {
	OS      string
	Release string
	SHA256  string
}

// Family implements Origin.
func (ImageOrigin) Family() FamilyName { return FamilyImage }

// Validate implements Origin.
func (o ImageOrigin) Validate() error {
	if o.SHA256 == "" {
		return fmt.Errorf("image origin requires a sha256")
	}

	return nil
}
