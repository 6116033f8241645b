package catalog

import (
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// CreateLink inserts a link. Enforces: lab and endpoint-node existence,
// index uniqueness per lab, and 4-tuple (node_a, node_b, int_a, int_b)
// uniqueness per lab.
func (s *Store) CreateLink(l *Link) error {
	if !l.Kind.Valid() {
		return fmt.Errorf("%w: link kind %q", util.ErrInvalid, l.Kind)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return createLinkTx(tx, l)
	})
}

// CreateLinks inserts several links in one transaction; all or nothing.
func (s *Store) CreateLinks(links []*Link) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, l := range links {
			if !l.Kind.Valid() {
				return fmt.Errorf("%w: link kind %q", util.ErrInvalid, l.Kind)
			}
			if err := createLinkTx(tx, l); err != nil {
				return err
			}
		}
		return nil
	})
}

func createLinkTx(tx *bolt.Tx, l *Link) error {
	if !exists(tx, bucketLabs, l.Lab) {
		return util.NewNotFoundError("lab", l.Lab)
	}
	if !exists(tx, bucketNodes, nodeKey(l.Lab, l.NodeA)) {
		return util.NewNotFoundError("node", l.NodeA)
	}
	if !exists(tx, bucketNodes, nodeKey(l.Lab, l.NodeB)) {
		return util.NewNotFoundError("node", l.NodeB)
	}
	if exists(tx, bucketLinks, linkKey(l.Lab, l.Index)) {
		return util.NewConflictError("link", fmt.Sprintf("%d", l.Index), "index")
	}
	err := forEachPrefix[Link](tx, bucketLinks, l.Lab, func(other *Link) error {
		if other.NodeA == l.NodeA && other.NodeB == l.NodeB &&
			other.IntA == l.IntA && other.IntB == l.IntB {
			return util.NewConflictError("link",
				fmt.Sprintf("%s:%s <-> %s:%s", l.NodeA, l.IntA, l.NodeB, l.IntB), "endpoints")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return put(tx, bucketLinks, linkKey(l.Lab, l.Index), l)
}

// GetLink looks up a link by lab and index.
func (s *Store) GetLink(labID string, index uint16) (*Link, error) {
	var l Link
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketLinks, "link", linkKey(labID, index), &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateLink replaces a link row. Used by the up pipeline to record
// allocated bridge and veth names.
func (s *Store) UpdateLink(l *Link) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing Link
		if err := get(tx, bucketLinks, "link", linkKey(l.Lab, l.Index), &existing); err != nil {
			return err
		}
		return put(tx, bucketLinks, linkKey(l.Lab, l.Index), l)
	})
}

// DeleteLink removes a link row.
func (s *Store) DeleteLink(labID string, index uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLinks, linkKey(labID, index)) {
			return util.NewNotFoundError("link", fmt.Sprintf("%d", index))
		}
		return tx.Bucket(bucketLinks).Delete([]byte(linkKey(labID, index)))
	})
}

// ListLinks returns a lab's links sorted by index.
func (s *Store) ListLinks(labID string) ([]*Link, error) {
	var links []*Link
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPrefix[Link](tx, bucketLinks, labID, func(l *Link) error {
			links = append(links, l)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Index < links[j].Index })
	return links, nil
}

// ListLinksByNode returns the links touching a node, sorted by index.
func (s *Store) ListLinksByNode(labID, node string) ([]*Link, error) {
	all, err := s.ListLinks(labID)
	if err != nil {
		return nil, err
	}
	var links []*Link
	for _, l := range all {
		if l.NodeA == node || l.NodeB == node {
			links = append(links, l)
		}
	}
	return links, nil
}

// CountLinks returns the number of links in a lab.
func (s *Store) CountLinks(labID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countPrefix(tx, bucketLinks, labID)
		return nil
	})
	return n, err
}
