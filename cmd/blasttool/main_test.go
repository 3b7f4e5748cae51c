package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Faultbox/blastgo/pkg/math"
)

func TestParseSlices(t *testing.T) {
	tests := []struct {
		in      string
		want    [][3]int
		wantErr bool
	}{
		{"4x4x4", [][3]int{{4, 4, 4}}, false},
		{"4x4x4, 2x1x2", [][3]int{{4, 4, 4}, {2, 1, 2}}, false},
		{"4x4", nil, true},
		{"4x0x4", nil, true},
		{"axbxc", nil, true},
	}
	for _, tt := range tests {
		got, err := parseSlices(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSlices(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseSlices(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr {
			if back := formatSlices(got); back != "4x4x4" && back != "4x4x4,2x1x2" {
				t.Errorf("formatSlices(%v) = %q", got, back)
			}
		}
	}
}

func TestParseVec3(t *testing.T) {
	got, err := parseVec3("1, -2.5,0")
	if err != nil {
		t.Fatalf("parseVec3 failed: %v", err)
	}
	if want := (math.Vec3{X: 1, Y: -2.5}); got != want {
		t.Errorf("parseVec3 = %+v, want %+v", got, want)
	}

	for _, bad := range []string{"", "1,2", "1,2,x"} {
		if _, err := parseVec3(bad); err == nil {
			t.Errorf("parseVec3(%q) expected error", bad)
		}
	}
}

func TestConfigArg(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-at", "1,2,3", "wall.blad"}, ""},
		{[]string{"-config", "a.yaml", "wall.blad"}, "a.yaml"},
		{[]string{"--config", "b.yaml"}, "b.yaml"},
		{[]string{"-config=c.yaml", "-strength", "5"}, "c.yaml"},
		{[]string{"--config=d.yaml"}, "d.yaml"},
		{[]string{"-config"}, ""},
		{[]string{"--", "-config", "e.yaml"}, ""},
		{[]string{"-configx", "f.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configArg(tt.args); got != tt.want {
			t.Errorf("configArg(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestToolConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blastgo.yaml")
	yaml := "damage:\n  kind: impact\n  strength: 12\ncube:\n  slices: [[3, 1, 1]]\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := toolConfig([]string{"-config", path, "-at", "0,0,0", "wall.blad"})
	if err != nil {
		t.Fatalf("toolConfig failed: %v", err)
	}
	if cfg.Damage.Kind != "impact" || cfg.Damage.Strength != 12 {
		t.Errorf("expected impact at 12 from file, got %s at %v", cfg.Damage.Kind, cfg.Damage.Strength)
	}
	if got := formatSlices(cfg.Cube.Slices); got != "3x1x1" {
		t.Errorf("expected slices 3x1x1 from file, got %s", got)
	}

	if _, err := toolConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for a missing config file")
	}
}
