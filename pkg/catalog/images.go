package catalog

import (
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// CreateImage inserts a catalog entry. (model, kind, version) must be
// unique. When img.Default is set, the default flag is cleared on any other
// entry for the same (model, kind) so at most one default survives.
func (s *Store) CreateImage(img *NodeImage) error {
	if !img.Model.Valid() {
		return fmt.Errorf("%w: model %q", util.ErrInvalid, img.Model)
	}
	if !img.Kind.Valid() {
		return fmt.Errorf("%w: image kind %q", util.ErrInvalid, img.Kind)
	}
	if img.Version == "" {
		return fmt.Errorf("%w: image version must not be empty", util.ErrInvalid)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if exists(tx, bucketImages, img.Key()) {
			return util.NewConflictError("image", img.Key(), "model+kind+version")
		}
		if img.Default {
			if err := clearDefaultTx(tx, img.Model, img.Kind); err != nil {
				return err
			}
		}
		return put(tx, bucketImages, img.Key(), img)
	})
}

// GetImage looks up a catalog entry by its unique triple.
func (s *Store) GetImage(model ifmap.Model, kind ImageKind, version string) (*NodeImage, error) {
	var img NodeImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketImages, "image", imageKey(model, kind, version), &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// DefaultImage returns the entry marked default for (model, kind).
func (s *Store) DefaultImage(model ifmap.Model, kind ImageKind) (*NodeImage, error) {
	var found *NodeImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketImages, func(img *NodeImage) error {
			if img.Model == model && img.Kind == kind && img.Default {
				found = img
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, util.NewNotFoundError("image", fmt.Sprintf("%s|%s|default", model, kind))
	}
	return found, nil
}

// ResolveImage returns the entry for an explicit version, or the default
// when version is empty.
func (s *Store) ResolveImage(model ifmap.Model, kind ImageKind, version string) (*NodeImage, error) {
	if version == "" {
		return s.DefaultImage(model, kind)
	}
	return s.GetImage(model, kind, version)
}

// UpdateImage replaces a catalog entry. Setting Default clears the flag
// elsewhere in the same (model, kind) group.
func (s *Store) UpdateImage(img *NodeImage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing NodeImage
		if err := get(tx, bucketImages, "image", img.Key(), &existing); err != nil {
			return err
		}
		if img.Default && !existing.Default {
			if err := clearDefaultTx(tx, img.Model, img.Kind); err != nil {
				return err
			}
		}
		return put(tx, bucketImages, img.Key(), img)
	})
}

// DeleteImage removes a catalog entry. Fails with a dependent error while
// any node still pins it.
func (s *Store) DeleteImage(model ifmap.Model, kind ImageKind, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := imageKey(model, kind, version)
		if !exists(tx, bucketImages, key) {
			return util.NewNotFoundError("image", key)
		}
		refs := 0
		err := forEach(tx, bucketNodes, func(n *Node) error {
			if n.Model == model && n.Kind == kind && n.Version == version {
				refs++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if refs > 0 {
			return &util.DependentError{Kind: "image", Key: key, Dependents: refs, ChildKind: "node"}
		}
		return tx.Bucket(bucketImages).Delete([]byte(key))
	})
}

// ListImages returns catalog entries, optionally filtered by model and kind.
// Empty filter values match everything.
func (s *Store) ListImages(model ifmap.Model, kind ImageKind) ([]*NodeImage, error) {
	var images []*NodeImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketImages, func(img *NodeImage) error {
			if model != "" && img.Model != model {
				return nil
			}
			if kind != "" && img.Kind != kind {
				return nil
			}
			images = append(images, img)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Key() < images[j].Key() })
	return images, nil
}

// CountImages returns the number of catalog entries.
func (s *Store) CountImages() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	return n, err
}

// clearDefaultTx drops the default flag from every entry in (model, kind).
func clearDefaultTx(tx *bolt.Tx, model ifmap.Model, kind ImageKind) error {
	var updates []*NodeImage
	err := forEach(tx, bucketImages, func(img *NodeImage) error {
		if img.Model == model && img.Kind == kind && img.Default {
			img.Default = false
			updates = append(updates, img)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, img := range updates {
		if err := put(tx, bucketImages, img.Key(), img); err != nil {
			return err
		}
	}
	return nil
}
