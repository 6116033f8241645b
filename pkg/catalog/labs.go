package catalog

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// CreateLab inserts a lab. Enforces: lab_id shape and process-wide
// uniqueness, name-per-owner uniqueness, owner existence, and that neither
// allocated /24 collides with a live lab's.
func (s *Store) CreateLab(lab *Lab) error {
	if !ValidLabID(lab.LabID) {
		return fmt.Errorf("%w: lab_id %q (need exactly 8 chars of [A-Za-z0-9-])", util.ErrInvalid, lab.LabID)
	}
	if lab.CreatedAt.IsZero() {
		lab.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketUsers, lab.Owner) {
			return util.NewNotFoundError("user", lab.Owner)
		}
		if exists(tx, bucketLabs, lab.LabID) {
			return util.NewConflictError("lab", lab.LabID, "lab_id")
		}
		err := forEach(tx, bucketLabs, func(other *Lab) error {
			if other.Owner == lab.Owner && other.Name == lab.Name {
				return util.NewConflictError("lab", lab.Name, "name")
			}
			if lab.LoopbackNetwork != "" && util.SameSubnet(other.LoopbackNetwork, lab.LoopbackNetwork) {
				return util.NewConflictError("lab", lab.LoopbackNetwork, "loopback_network")
			}
			if lab.ManagementNetwork != "" && util.SameSubnet(other.ManagementNetwork, lab.ManagementNetwork) {
				return util.NewConflictError("lab", lab.ManagementNetwork, "management_network")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return put(tx, bucketLabs, lab.LabID, lab)
	})
}

// GetLab looks up a lab by id.
func (s *Store) GetLab(labID string) (*Lab, error) {
	var lab Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketLabs, "lab", labID, &lab)
	})
	if err != nil {
		return nil, err
	}
	return &lab, nil
}

// FindLabByName looks up a lab by owner and name.
func (s *Store) FindLabByName(owner, name string) (*Lab, error) {
	var found *Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.Owner == owner && lab.Name == name {
				found = lab
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, util.NewNotFoundError("lab", name)
	}
	return found, nil
}

// UpdateLab replaces a lab's mutable fields. Owner is immutable.
func (s *Store) UpdateLab(lab *Lab) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing Lab
		if err := get(tx, bucketLabs, "lab", lab.LabID, &existing); err != nil {
			return err
		}
		if lab.Owner != existing.Owner {
			return &util.ImmutableFieldError{Kind: "lab", Key: lab.LabID, Field: "owner"}
		}
		lab.CreatedAt = existing.CreatedAt
		return put(tx, bucketLabs, lab.LabID, lab)
	})
}

// DeleteLab removes a lab row and, as the store-level cascade, every node
// and link row keyed under it.
func (s *Store) DeleteLab(labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLabs, labID) {
			return util.NewNotFoundError("lab", labID)
		}
		return cascadeDeleteLabTx(tx, labID)
	})
}

// SafeDeleteLab removes a lab only if it has no nodes or links.
func (s *Store) SafeDeleteLab(labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLabs, labID) {
			return util.NewNotFoundError("lab", labID)
		}
		if n := countPrefix(tx, bucketNodes, labID); n > 0 {
			return &util.DependentError{Kind: "lab", Key: labID, Dependents: n, ChildKind: "node"}
		}
		if n := countPrefix(tx, bucketLinks, labID); n > 0 {
			return &util.DependentError{Kind: "lab", Key: labID, Dependents: n, ChildKind: "link"}
		}
		return tx.Bucket(bucketLabs).Delete([]byte(labID))
	})
}

// CascadeDeleteLab removes links, then nodes, then the lab, in one
// transaction. Explicit topological order; the user-facing default.
func (s *Store) CascadeDeleteLab(labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLabs, labID) {
			return util.NewNotFoundError("lab", labID)
		}
		return cascadeDeleteLabTx(tx, labID)
	})
}

// cascadeDeleteLabTx deletes a lab's links, nodes, and row inside tx.
func cascadeDeleteLabTx(tx *bolt.Tx, labID string) error {
	if err := deletePrefix(tx, bucketLinks, labID); err != nil {
		return err
	}
	if err := deletePrefix(tx, bucketNodes, labID); err != nil {
		return err
	}
	return tx.Bucket(bucketLabs).Delete([]byte(labID))
}

// deletePrefix removes every key under the lab's prefix in bucket.
func deletePrefix(tx *bolt.Tx, bucket []byte, labID string) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	prefix := labPrefix(labID)
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// countPrefix counts keys under the lab's prefix in bucket.
func countPrefix(tx *bolt.Tx, bucket []byte, labID string) int {
	c := tx.Bucket(bucket).Cursor()
	prefix := labPrefix(labID)
	n := 0
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}

// ListLabs returns every lab.
func (s *Store) ListLabs() ([]*Lab, error) {
	var labs []*Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketLabs, func(lab *Lab) error {
			labs = append(labs, lab)
			return nil
		})
	})
	return labs, err
}

// ListLabsByOwner returns the labs owned by username.
func (s *Store) ListLabsByOwner(username string) ([]*Lab, error) {
	var labs []*Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.Owner == username {
				labs = append(labs, lab)
			}
			return nil
		})
	})
	return labs, err
}

// CountLabs returns the number of labs.
func (s *Store) CountLabs() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketLabs).Stats().KeyN
		return nil
	})
	return n, err
}

// CountLabsByOwner returns how many labs username owns.
func (s *Store) CountLabsByOwner(username string) (int, error) {
	labs, err := s.ListLabsByOwner(username)
	if err != nil {
		return 0, err
	}
	return len(labs), nil
}

// UsedLoopbackNetworks returns every live lab's loopback /24.
func (s *Store) UsedLoopbackNetworks() ([]string, error) {
	var nets []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.LoopbackNetwork != "" {
				nets = append(nets, lab.LoopbackNetwork)
			}
			return nil
		})
	})
	return nets, err
}

// UsedManagementNetworks returns every live lab's management /24.
func (s *Store) UsedManagementNetworks() ([]string, error) {
	var nets []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.ManagementNetwork != "" {
				nets = append(nets, lab.ManagementNetwork)
			}
			return nil
		})
	})
	return nets, err
}
