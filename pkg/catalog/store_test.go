package catalog

import (
	"errors"
	"testing"

	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedLab creates a user, image, and lab so node/link tests have parents.
func seedLab(t *testing.T, s *Store, labID string) {
	t.Helper()
	_ = s.CreateUser(&User{Username: "alice", PasswordHash: "x"})
	_ = s.CreateImage(&NodeImage{
		Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04", Default: true,
		CPUCount: 2, MemoryMB: 2048, MaxDataInterfaces: 9,
	})
	err := s.CreateLab(&Lab{
		LabID: labID, Name: "lab-" + labID, Owner: "alice",
		LoopbackNetwork:   "127.127.10.0/24",
		ManagementNetwork: "172.31.10.0/24",
	})
	if err != nil {
		t.Fatalf("seed lab %s: %v", labID, err)
	}
}

func TestUserCRUD(t *testing.T) {
	s := openTestStore(t)

	u := &User{Username: "alice", PasswordHash: "$argon2id$...", IsAdmin: true}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on create")
	}

	if err := s.CreateUser(&User{Username: "alice"}); !errors.Is(err, util.ErrConflict) {
		t.Errorf("duplicate username: got %v, want conflict", err)
	}

	got, err := s.GetUser("alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !got.IsAdmin {
		t.Error("IsAdmin not persisted")
	}

	if _, err := s.GetUser("nobody"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("missing user: got %v, want not found", err)
	}

	got.SSHKeys = []string{"ssh-ed25519 AAAA alice@host"}
	if err := s.UpdateUser(got); err != nil {
		t.Fatalf("update user: %v", err)
	}
	got2, _ := s.GetUser("alice")
	if len(got2.SSHKeys) != 1 {
		t.Error("ssh keys not persisted")
	}
	if !got2.CreatedAt.Equal(got.CreatedAt) {
		t.Error("CreatedAt must survive updates")
	}
}

func TestUserValidation(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		username string
		ok       bool
	}{
		{"al", false},         // too short
		{"bob", true},         // 3-char minimum
		{"a.b@c-d_e", true},   // full allowed set
		{"bad name", false},   // space
		{"ok123", true},
	}
	for _, tt := range tests {
		err := s.CreateUser(&User{Username: tt.username})
		if tt.ok && err != nil {
			t.Errorf("CreateUser(%q): %v", tt.username, err)
		}
		if !tt.ok && !errors.Is(err, util.ErrInvalid) {
			t.Errorf("CreateUser(%q): got %v, want invalid", tt.username, err)
		}
	}
}

func TestDeleteUserWithLabs(t *testing.T) {
	s := openTestStore(t)
	seedLab(t, s, "aaaa0000")

	err := s.DeleteUser("alice")
	var dep *util.DependentError
	if !errors.As(err, &dep) {
		t.Fatalf("delete owning user: got %v, want DependentError", err)
	}
	if dep.Dependents != 1 {
		t.Errorf("dependents = %d, want 1", dep.Dependents)
	}

	if err := s.CascadeDeleteUser("alice"); err != nil {
		t.Fatalf("cascade delete user: %v", err)
	}
	if _, err := s.GetLab("aaaa0000"); !errors.Is(err, util.ErrNotFound) {
		t.Error("cascade should remove owned labs")
	}
}

func TestLabIDValidation(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateUser(&User{Username: "alice"})

	for _, id := range []string{"short7c", "ninechars", "bad!id00", ""} {
		err := s.CreateLab(&Lab{LabID: id, Name: "x", Owner: "alice"})
		if !errors.Is(err, util.ErrInvalid) {
			t.Errorf("CreateLab(%q): got %v, want invalid", id, err)
		}
	}
	if err := s.CreateLab(&Lab{LabID: "Exact-8c", Name: "x", Owner: "alice"}); err != nil {
		t.Errorf("CreateLab with valid 8-char id: %v", err)
	}
}

func TestLabUniqueness(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateUser(&User{Username: "alice"})
	_ = s.CreateUser(&User{Username: "bob"})

	base := &Lab{
		LabID: "aaaa0001", Name: "mini", Owner: "alice",
		LoopbackNetwork: "127.127.1.0/24", ManagementNetwork: "172.31.1.0/24",
	}
	if err := s.CreateLab(base); err != nil {
		t.Fatalf("create lab: %v", err)
	}

	t.Run("duplicate lab_id", func(t *testing.T) {
		err := s.CreateLab(&Lab{LabID: "aaaa0001", Name: "other", Owner: "alice"})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})

	t.Run("duplicate name per owner", func(t *testing.T) {
		err := s.CreateLab(&Lab{
			LabID: "aaaa0002", Name: "mini", Owner: "alice",
			LoopbackNetwork: "127.127.2.0/24", ManagementNetwork: "172.31.2.0/24",
		})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})

	t.Run("same name different owner is fine", func(t *testing.T) {
		err := s.CreateLab(&Lab{
			LabID: "bbbb0001", Name: "mini", Owner: "bob",
			LoopbackNetwork: "127.127.3.0/24", ManagementNetwork: "172.31.3.0/24",
		})
		if err != nil {
			t.Errorf("create: %v", err)
		}
	})

	t.Run("loopback subnet collision", func(t *testing.T) {
		err := s.CreateLab(&Lab{
			LabID: "cccc0001", Name: "clash", Owner: "alice",
			LoopbackNetwork: "127.127.1.0/24", ManagementNetwork: "172.31.9.0/24",
		})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})

	t.Run("management subnet collision", func(t *testing.T) {
		err := s.CreateLab(&Lab{
			LabID: "dddd0001", Name: "clash2", Owner: "alice",
			LoopbackNetwork: "127.127.9.0/24", ManagementNetwork: "172.31.1.0/24",
		})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})
}

func TestLabOwnerImmutable(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateUser(&User{Username: "alice"})
	_ = s.CreateUser(&User{Username: "bob"})
	_ = s.CreateLab(&Lab{LabID: "aaaa0001", Name: "mini", Owner: "alice"})

	lab, _ := s.GetLab("aaaa0001")
	lab.Owner = "bob"
	err := s.UpdateLab(lab)
	if !errors.Is(err, util.ErrImmutableField) {
		t.Errorf("changing owner: got %v, want immutable field", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	s := openTestStore(t)
	seedLab(t, s, "aaaa0001")

	n := &Node{
		Name: "r1", Index: 1, Lab: "aaaa0001",
		Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04",
	}
	if err := s.CreateNode(n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if n.State != StateCreated {
		t.Errorf("default state = %q, want %q", n.State, StateCreated)
	}

	t.Run("missing image rejected", func(t *testing.T) {
		err := s.CreateNode(&Node{
			Name: "r2", Index: 2, Lab: "aaaa0001",
			Model: ifmap.AristaVEOS, Kind: KindVirtualMachine, Version: "4.28",
		})
		if !errors.Is(err, util.ErrNotFound) {
			t.Errorf("got %v, want not found", err)
		}
	})

	t.Run("duplicate index rejected", func(t *testing.T) {
		err := s.CreateNode(&Node{
			Name: "r3", Index: 1, Lab: "aaaa0001",
			Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04",
		})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})

	t.Run("state update", func(t *testing.T) {
		if err := s.SetNodeState("aaaa0001", "r1", StateRunning); err != nil {
			t.Fatalf("set state: %v", err)
		}
		got, _ := s.GetNode("aaaa0001", "r1")
		if got.State != StateRunning {
			t.Errorf("state = %q, want running", got.State)
		}
	})

	t.Run("mgmt ip update", func(t *testing.T) {
		if err := s.SetNodeMgmtIP("aaaa0001", "r1", "172.31.1.11"); err != nil {
			t.Fatalf("set mgmt ip: %v", err)
		}
		got, _ := s.GetNode("aaaa0001", "r1")
		if got.MgmtIPv4 != "172.31.1.11" {
			t.Errorf("mgmt ip = %q", got.MgmtIPv4)
		}
	})
}

func TestLinkInvariants(t *testing.T) {
	s := openTestStore(t)
	seedLab(t, s, "aaaa0001")
	for i, name := range []string{"a", "b", "c"} {
		err := s.CreateNode(&Node{
			Name: name, Index: uint16(i + 1), Lab: "aaaa0001",
			Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04",
		})
		if err != nil {
			t.Fatalf("create node %s: %v", name, err)
		}
	}

	l := &Link{
		Index: 1, Lab: "aaaa0001", Kind: P2pBridge,
		NodeA: "a", NodeB: "b", IntA: "eth1", IntB: "eth1",
	}
	if err := s.CreateLink(l); err != nil {
		t.Fatalf("create link: %v", err)
	}

	t.Run("duplicate 4-tuple rejected", func(t *testing.T) {
		err := s.CreateLink(&Link{
			Index: 2, Lab: "aaaa0001", Kind: P2pBridge,
			NodeA: "a", NodeB: "b", IntA: "eth1", IntB: "eth1",
		})
		if !errors.Is(err, util.ErrConflict) {
			t.Errorf("got %v, want conflict", err)
		}
	})

	t.Run("unknown endpoint rejected", func(t *testing.T) {
		err := s.CreateLink(&Link{
			Index: 3, Lab: "aaaa0001", Kind: P2pBridge,
			NodeA: "a", NodeB: "ghost", IntA: "eth2", IntB: "eth1",
		})
		if !errors.Is(err, util.ErrNotFound) {
			t.Errorf("got %v, want not found", err)
		}
	})

	t.Run("bad kind rejected", func(t *testing.T) {
		err := s.CreateLink(&Link{
			Index: 4, Lab: "aaaa0001", Kind: "p2p_carrier_pigeon",
			NodeA: "a", NodeB: "c", IntA: "eth3", IntB: "eth1",
		})
		if !errors.Is(err, util.ErrInvalid) {
			t.Errorf("got %v, want invalid", err)
		}
	})

	t.Run("update records allocated names", func(t *testing.T) {
		l.BridgeA = "brlaaaa001"
		l.VethA = "veaaaaa001"
		l.VethB = "vebaaaa001"
		if err := s.UpdateLink(l); err != nil {
			t.Fatalf("update link: %v", err)
		}
		got, _ := s.GetLink("aaaa0001", 1)
		if got.BridgeA != "brlaaaa001" {
			t.Errorf("bridge_a = %q", got.BridgeA)
		}
	})
}

func TestSafeAndCascadeDeletes(t *testing.T) {
	s := openTestStore(t)
	seedLab(t, s, "aaaa0001")
	_ = s.CreateNode(&Node{Name: "a", Index: 1, Lab: "aaaa0001", Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04"})
	_ = s.CreateNode(&Node{Name: "b", Index: 2, Lab: "aaaa0001", Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04"})
	_ = s.CreateLink(&Link{Index: 1, Lab: "aaaa0001", Kind: P2pVeth, NodeA: "a", NodeB: "b", IntA: "eth1", IntB: "eth1"})

	t.Run("safe delete node blocked by link", func(t *testing.T) {
		err := s.SafeDeleteNode("aaaa0001", "a")
		if !errors.Is(err, util.ErrDependent) {
			t.Errorf("got %v, want dependent", err)
		}
	})

	t.Run("safe delete lab blocked by children", func(t *testing.T) {
		err := s.SafeDeleteLab("aaaa0001")
		if !errors.Is(err, util.ErrDependent) {
			t.Errorf("got %v, want dependent", err)
		}
	})

	t.Run("cascade delete node removes links", func(t *testing.T) {
		if err := s.CascadeDeleteNode("aaaa0001", "a"); err != nil {
			t.Fatalf("cascade delete node: %v", err)
		}
		n, _ := s.CountLinks("aaaa0001")
		if n != 0 {
			t.Errorf("links remaining = %d, want 0", n)
		}
	})

	t.Run("cascade delete lab", func(t *testing.T) {
		if err := s.CascadeDeleteLab("aaaa0001"); err != nil {
			t.Fatalf("cascade delete lab: %v", err)
		}
		if _, err := s.GetNode("aaaa0001", "b"); !errors.Is(err, util.ErrNotFound) {
			t.Error("nodes should be gone after lab cascade")
		}
		if _, err := s.GetLab("aaaa0001"); !errors.Is(err, util.ErrNotFound) {
			t.Error("lab row should be gone")
		}
	})

	t.Run("second delete is not found", func(t *testing.T) {
		if err := s.DeleteLab("aaaa0001"); !errors.Is(err, util.ErrNotFound) {
			t.Errorf("got %v, want not found", err)
		}
	})
}

func TestImageDefaults(t *testing.T) {
	s := openTestStore(t)

	v1 := &NodeImage{Model: ifmap.AristaVEOS, Kind: KindVirtualMachine, Version: "4.28", Default: true}
	v2 := &NodeImage{Model: ifmap.AristaVEOS, Kind: KindVirtualMachine, Version: "4.30", Default: true}
	if err := s.CreateImage(v1); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if err := s.CreateImage(v2); err != nil {
		t.Fatalf("create v2: %v", err)
	}

	// The newer default displaces the older one
	def, err := s.DefaultImage(ifmap.AristaVEOS, KindVirtualMachine)
	if err != nil {
		t.Fatalf("default image: %v", err)
	}
	if def.Version != "4.30" {
		t.Errorf("default = %s, want 4.30", def.Version)
	}
	old, _ := s.GetImage(ifmap.AristaVEOS, KindVirtualMachine, "4.28")
	if old.Default {
		t.Error("old default flag should be cleared")
	}

	// Resolve with empty version falls back to the default
	r, err := s.ResolveImage(ifmap.AristaVEOS, KindVirtualMachine, "")
	if err != nil || r.Version != "4.30" {
		t.Errorf("resolve default: %v %v", r, err)
	}
	r, err = s.ResolveImage(ifmap.AristaVEOS, KindVirtualMachine, "4.28")
	if err != nil || r.Version != "4.28" {
		t.Errorf("resolve pinned: %v %v", r, err)
	}
}

func TestDeleteImageInUse(t *testing.T) {
	s := openTestStore(t)
	seedLab(t, s, "aaaa0001")
	_ = s.CreateNode(&Node{Name: "a", Index: 1, Lab: "aaaa0001", Model: ifmap.UbuntuLinux, Kind: KindVirtualMachine, Version: "22.04"})

	err := s.DeleteImage(ifmap.UbuntuLinux, KindVirtualMachine, "22.04")
	if !errors.Is(err, util.ErrDependent) {
		t.Errorf("got %v, want dependent", err)
	}

	_ = s.CascadeDeleteLab("aaaa0001")
	if err := s.DeleteImage(ifmap.UbuntuLinux, KindVirtualMachine, "22.04"); err != nil {
		t.Errorf("delete unused image: %v", err)
	}
}
