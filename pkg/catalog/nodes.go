package catalog

import (
	"bytes"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// CreateNode inserts a node. Enforces: lab and image existence, name and
// index uniqueness within the lab.
func (s *Store) CreateNode(n *Node) error {
	if !ValidNodeName(n.Name) {
		return fmt.Errorf("%w: node name %q (need 1-63 chars of [a-zA-Z0-9-])", util.ErrInvalid, n.Name)
	}
	if n.State == "" {
		n.State = StateCreated
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketLabs, n.Lab) {
			return util.NewNotFoundError("lab", n.Lab)
		}
		if !exists(tx, bucketImages, imageKey(n.Model, n.Kind, n.Version)) {
			return util.NewNotFoundError("image", imageKey(n.Model, n.Kind, n.Version))
		}
		if exists(tx, bucketNodes, nodeKey(n.Lab, n.Name)) {
			return util.NewConflictError("node", n.Name, "name")
		}
		err := forEachPrefix[Node](tx, bucketNodes, n.Lab, func(other *Node) error {
			if other.Index == n.Index {
				return util.NewConflictError("node", fmt.Sprintf("%d", n.Index), "index")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return put(tx, bucketNodes, nodeKey(n.Lab, n.Name), n)
	})
}

// CreateNodes inserts several nodes in one transaction; all or nothing.
func (s *Store) CreateNodes(nodes []*Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		seen := map[uint16]bool{}
		for _, n := range nodes {
			if !ValidNodeName(n.Name) {
				return fmt.Errorf("%w: node name %q", util.ErrInvalid, n.Name)
			}
			if n.State == "" {
				n.State = StateCreated
			}
			if !exists(tx, bucketLabs, n.Lab) {
				return util.NewNotFoundError("lab", n.Lab)
			}
			if !exists(tx, bucketImages, imageKey(n.Model, n.Kind, n.Version)) {
				return util.NewNotFoundError("image", imageKey(n.Model, n.Kind, n.Version))
			}
			if exists(tx, bucketNodes, nodeKey(n.Lab, n.Name)) {
				return util.NewConflictError("node", n.Name, "name")
			}
			if seen[n.Index] {
				return util.NewConflictError("node", fmt.Sprintf("%d", n.Index), "index")
			}
			seen[n.Index] = true
			if err := put(tx, bucketNodes, nodeKey(n.Lab, n.Name), n); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetNode looks up a node by lab and name.
func (s *Store) GetNode(labID, name string) (*Node, error) {
	var n Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketNodes, "node", nodeKey(labID, name), &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNode replaces a node's mutable fields. Lab is immutable: a node
// cannot be moved between labs.
func (s *Store) UpdateNode(n *Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing Node
		if err := get(tx, bucketNodes, "node", nodeKey(n.Lab, n.Name), &existing); err != nil {
			return err
		}
		// The lookup key includes the lab, so a changed lab surfaces as
		// not-found above; this second check catches a caller that wrote a
		// new lab into an existing struct and kept the old key.
		if n.Lab != existing.Lab {
			return &util.ImmutableFieldError{Kind: "node", Key: n.Name, Field: "lab"}
		}
		return put(tx, bucketNodes, nodeKey(n.Lab, n.Name), n)
	})
}

// SetNodeState updates just the state of a node.
func (s *Store) SetNodeState(labID, name string, state NodeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var n Node
		if err := get(tx, bucketNodes, "node", nodeKey(labID, name), &n); err != nil {
			return err
		}
		n.State = state
		return put(tx, bucketNodes, nodeKey(labID, name), &n)
	})
}

// SetNodeMgmtIP updates just the management IP of a node.
func (s *Store) SetNodeMgmtIP(labID, name, ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var n Node
		if err := get(tx, bucketNodes, "node", nodeKey(labID, name), &n); err != nil {
			return err
		}
		n.MgmtIPv4 = ip
		return put(tx, bucketNodes, nodeKey(labID, name), &n)
	})
}

// DeleteNode removes a node row regardless of referring links.
func (s *Store) DeleteNode(labID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketNodes, nodeKey(labID, name)) {
			return util.NewNotFoundError("node", name)
		}
		return tx.Bucket(bucketNodes).Delete([]byte(nodeKey(labID, name)))
	})
}

// SafeDeleteNode removes a node only if no link references it.
func (s *Store) SafeDeleteNode(labID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketNodes, nodeKey(labID, name)) {
			return util.NewNotFoundError("node", name)
		}
		refs := 0
		err := forEachPrefix[Link](tx, bucketLinks, labID, func(l *Link) error {
			if l.NodeA == name || l.NodeB == name {
				refs++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if refs > 0 {
			return &util.DependentError{Kind: "node", Key: name, Dependents: refs, ChildKind: "link"}
		}
		return tx.Bucket(bucketNodes).Delete([]byte(nodeKey(labID, name)))
	})
}

// CascadeDeleteNode removes a node and every link referencing it.
func (s *Store) CascadeDeleteNode(labID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketNodes, nodeKey(labID, name)) {
			return util.NewNotFoundError("node", name)
		}
		var doomed []string
		err := forEachPrefix[Link](tx, bucketLinks, labID, func(l *Link) error {
			if l.NodeA == name || l.NodeB == name {
				doomed = append(doomed, linkKey(labID, l.Index))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := tx.Bucket(bucketLinks).Delete([]byte(k)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketNodes).Delete([]byte(nodeKey(labID, name)))
	})
}

// ListNodes returns a lab's nodes sorted by index.
func (s *Store) ListNodes(labID string) ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPrefix[Node](tx, bucketNodes, labID, func(n *Node) error {
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	return nodes, nil
}

// CountNodes returns the number of nodes in a lab.
func (s *Store) CountNodes(labID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countPrefix(tx, bucketNodes, labID)
		return nil
	})
	return n, err
}

// forEachPrefix decodes every value under the lab prefix in bucket.
func forEachPrefix[T any](tx *bolt.Tx, bucket []byte, labID string, fn func(*T) error) error {
	c := tx.Bucket(bucket).Cursor()
	prefix := labPrefix(labID)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var item T
		if err := jsonUnmarshal(v, &item); err != nil {
			return fmt.Errorf("catalog: unmarshal %s: %w", k, err)
		}
		if err := fn(&item); err != nil {
			return err
		}
	}
	return nil
}
