package util

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestTypedErrorsUnwrap(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{NewNotFoundError("lab", "abc123"), ErrNotFound},
		{NewConflictError("user", "alice", "username"), ErrConflict},
		{&ImmutableFieldError{Kind: "lab", Key: "abc123", Field: "owner"}, ErrImmutableField},
		{&DependentError{Kind: "lab", Key: "abc123", Dependents: 3, ChildKind: "node"}, ErrDependent},
		{&PermissionError{User: "bob", Action: "destroy", Resource: "lab abc123"}, ErrPermissionDenied},
		{NewValidationError("bad model"), ErrValidationFailed},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%T does not unwrap to %v", tc.err, tc.sentinel)
		}
	}
}

func TestExternalErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("no such domain")
	err := NewExternalError("libvirt", "start_domain", "abc123-r1", cause)
	if !errors.Is(err, cause) {
		t.Error("ExternalError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "libvirt") || !strings.Contains(err.Error(), "abc123-r1") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrappedSentinelSurvivesErrorf(t *testing.T) {
	err := fmt.Errorf("pipeline: phase readiness: %w", NewNotFoundError("node", "r1"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapping lost the sentinel")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Key != "r1" {
		t.Error("errors.As should recover the typed error")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	one := NewValidationError("node r1: unknown model")
	if got := one.Error(); got != "validation failed: node r1: unknown model" {
		t.Errorf("single message = %q", got)
	}
	many := NewValidationError("first", "second")
	if !strings.Contains(many.Error(), "- first") || !strings.Contains(many.Error(), "- second") {
		t.Errorf("multi message = %q", many.Error())
	}
}

func TestValidationBuilder(t *testing.T) {
	var b ValidationBuilder
	if b.HasErrors() {
		t.Error("fresh builder reports errors")
	}
	if b.Build() != nil {
		t.Error("empty builder should build nil")
	}

	b.Add(true, "should not appear").
		Add(false, "name is required").
		AddErrorf("node %s: unknown model %q", "r1", "vax_8600")
	if !b.HasErrors() {
		t.Error("builder should report errors")
	}
	err := b.Build()
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("built error should unwrap to ErrValidationFailed")
	}
	if strings.Contains(err.Error(), "should not appear") {
		t.Error("satisfied condition leaked into errors")
	}
	if !strings.Contains(err.Error(), "name is required") || !strings.Contains(err.Error(), "vax_8600") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHostIP(t *testing.T) {
	_, subnet, _ := net.ParseCIDR("172.31.5.0/24")
	gw, err := HostIP(subnet, 1)
	if err != nil {
		t.Fatal(err)
	}
	if gw.String() != "172.31.5.1" {
		t.Errorf("offset 1 = %s", gw)
	}
	first, err := HostIP(subnet, 11)
	if err != nil {
		t.Fatal(err)
	}
	if first.String() != "172.31.5.11" {
		t.Errorf("offset 11 = %s", first)
	}
	if _, err := HostIP(subnet, 300); err == nil {
		t.Error("offset beyond /24 should fail")
	}
	if _, err := HostIP(subnet, -1); err == nil {
		t.Error("negative offset should fail")
	}
}

func TestIPValidation(t *testing.T) {
	if !IsValidIPv4("10.0.0.1") || IsValidIPv4("fd00::1") || IsValidIPv4("nope") {
		t.Error("IsValidIPv4 misclassified an address")
	}
	if !IsValidIPv4CIDR("172.31.0.0/16") || IsValidIPv4CIDR("fd00::/64") || IsValidIPv4CIDR("172.31.0.0") {
		t.Error("IsValidIPv4CIDR misclassified a prefix")
	}
	if !SameSubnet("172.31.0.1/16", "172.31.5.0/16") {
		t.Error("same network with different host bits should match")
	}
	if SameSubnet("172.31.0.0/16", "127.127.0.0/16") {
		t.Error("distinct networks should not match")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdefgh", 5); got != "abcde" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 5); got != "abc" {
		t.Errorf("short input changed: %q", got)
	}
}
