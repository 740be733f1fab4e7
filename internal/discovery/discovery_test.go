package discovery

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/nholik/role-sentinel/internal/resolve"
)

func testSpecs() []resolve.TargetSpec {
	return []resolve.TargetSpec{
		{Job: "node_exporter", Port: 9100},
		{Job: "dcgm_exporter", Port: 9400, Labels: map[string]string{"gpu": "true"}},
		{Job: "remote_probe", Port: 9115, Address: "probe-host"},
	}
}

func TestRenderWireContract(t *testing.T) {
	content, hash, err := Render("dgx-01", "slurm", testSpecs())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected content hash")
	}

	var entries []Entry
	if err := json.Unmarshal(content, &entries); err != nil {
		t.Fatalf("rendered content is not valid JSON: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// Entries sorted by job label.
	if entries[0].Labels["job"] != "dcgm_exporter" {
		t.Fatalf("expected dcgm_exporter first, got %s", entries[0].Labels["job"])
	}
	if entries[0].Targets[0] != "dgx-01:9400" {
		t.Fatalf("unexpected dcgm target: %v", entries[0].Targets)
	}
	if entries[0].Labels["gpu"] != "true" {
		t.Fatalf("expected auxiliary gpu label")
	}
	if entries[0].Labels["cluster"] != "slurm" || entries[0].Labels["hostname"] != "dgx-01" {
		t.Fatalf("missing standard labels: %v", entries[0].Labels)
	}

	// Explicit address overrides the hostname default.
	if entries[2].Targets[0] != "probe-host:9115" {
		t.Fatalf("unexpected explicit-address target: %v", entries[2].Targets)
	}
}

func TestRenderDeterministic(t *testing.T) {
	first, firstHash, err := Render("dgx-01", "slurm", testSpecs())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	reversed := []resolve.TargetSpec{testSpecs()[2], testSpecs()[1], testSpecs()[0]}
	second, secondHash, err := Render("dgx-01", "slurm", reversed)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("render output depends on spec order")
	}
	if firstHash != secondHash {
		t.Fatalf("hash depends on spec order")
	}
}

func TestRenderEmpty(t *testing.T) {
	content, hash, err := Render("dgx-01", "slurm", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected hash for empty target list")
	}

	var entries []Entry
	if err := json.Unmarshal(content, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty array, got %v", entries)
	}
}
