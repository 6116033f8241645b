package catalog

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// CreateUser inserts a user. Fails with a conflict error if the username is
// taken, and rejects malformed usernames.
func (s *Store) CreateUser(u *User) error {
	if !ValidUsername(u.Username) {
		return fmt.Errorf("%w: username %q (need >=3 chars of [A-Za-z0-9@._-])", util.ErrInvalid, u.Username)
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if exists(tx, bucketUsers, u.Username) {
			return util.NewConflictError("user", u.Username, "username")
		}
		return put(tx, bucketUsers, u.Username, u)
	})
}

// GetUser looks up a user by username.
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketUsers, "user", username, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser replaces a user's mutable fields. CreatedAt is preserved.
func (s *Store) UpdateUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing User
		if err := get(tx, bucketUsers, "user", u.Username, &existing); err != nil {
			return err
		}
		u.CreatedAt = existing.CreatedAt
		u.UpdatedAt = time.Now().UTC()
		return put(tx, bucketUsers, u.Username, u)
	})
}

// DeleteUser removes a user. Fails with a dependent error while the user
// still owns labs; delete or cascade those first.
func (s *Store) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketUsers, username) {
			return util.NewNotFoundError("user", username)
		}
		owned := 0
		err := forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.Owner == username {
				owned++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if owned > 0 {
			return &util.DependentError{Kind: "user", Key: username, Dependents: owned, ChildKind: "lab"}
		}
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

// CascadeDeleteUser removes a user and every lab (with nodes and links)
// the user owns. Admin bootstrap/cleanup path.
func (s *Store) CascadeDeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if !exists(tx, bucketUsers, username) {
			return util.NewNotFoundError("user", username)
		}
		var owned []string
		err := forEach(tx, bucketLabs, func(lab *Lab) error {
			if lab.Owner == username {
				owned = append(owned, lab.LabID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, labID := range owned {
			if err := cascadeDeleteLabTx(tx, labID); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

// ListUsers returns every user sorted by bucket order (username).
func (s *Store) ListUsers() ([]*User, error) {
	var users []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketUsers, func(u *User) error {
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// CountUsers returns the number of users.
func (s *Store) CountUsers() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return n, err
}
