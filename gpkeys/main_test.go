package main

import (
	"testing"

	"github.com/barnettlynn/gptools/pkg/globalplatform"
)

func TestBuildTargetsPutsCurrentVersionFirst(t *testing.T) {
	infos := []globalplatform.KeyInfo{
		{ID: 1, Version: 0x30}, {ID: 2, Version: 0x30},
		{ID: 1, Version: 0x20},
		{ID: 1, Version: 0x01},
	}
	targets := buildTargets(infos, 0x20, 0x40)
	if len(targets) != 4 {
		t.Fatalf("expected 4 targets, got %d", len(targets))
	}
	want := []byte{0x20, 0x01, 0x30, 0x00}
	for i, tgt := range targets {
		if tgt.replace != want[i] {
			t.Fatalf("target %d: expected replace 0x%02X, got 0x%02X (%s)", i, want[i], tgt.replace, tgt.label)
		}
	}
	if targets[3].label != "Add new key version 0x40" {
		t.Fatalf("unexpected add label %q", targets[3].label)
	}
}

func TestBuildTargetsWithoutKeyInformation(t *testing.T) {
	targets := buildTargets(nil, 0x01, 0x02)
	if len(targets) != 2 || targets[0].replace != 0x01 || targets[1].replace != 0 {
		t.Fatalf("unexpected targets %+v", targets)
	}
}
