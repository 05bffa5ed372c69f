package kaccnt

import (
	"testing"

	"gokern/defs"
)

func TestUtaddSystaddSnapshot(t *testing.T) {
	var a Accnt_t
	a.Utadd(100)
	a.Utadd(50)
	a.Systadd(20)
	u, s := a.Snapshot()
	if u != 150 || s != 20 {
		t.Fatalf("Snapshot() = (%d, %d), want (150, 20)", u, s)
	}
}

func TestWriteProfileRejectsEmpty(t *testing.T) {
	if _, err := WriteProfile(nil); err != -defs.EINVAL {
		t.Fatalf("WriteProfile(nil) err = %v, want EINVAL", err)
	}
}

func TestWriteProfileBuildsSamples(t *testing.T) {
	var a1, a2 Accnt_t
	a1.Utadd(10)
	a1.Systadd(1)
	a2.Utadd(20)
	a2.Systadd(2)
	samples := []Sample{
		{Tid: 1, Name: "init", Acc: &a1},
		{Tid: 2, Name: "worker", Acc: &a2},
	}
	p, err := WriteProfile(samples)
	if err != 0 {
		t.Fatalf("WriteProfile() err = %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("len(Sample) = %d, want 2", len(p.Sample))
	}
	if len(p.SampleType) != 2 {
		t.Fatalf("len(SampleType) = %d, want 2", len(p.SampleType))
	}
	first := p.Sample[0]
	if first.Value[0] != 10 || first.Value[1] != 1 {
		t.Fatalf("Sample[0].Value = %v, want [10 1]", first.Value)
	}
	if first.Label["name"][0] != "init" {
		t.Fatalf("Sample[0].Label[name] = %v, want init", first.Label["name"])
	}
}
