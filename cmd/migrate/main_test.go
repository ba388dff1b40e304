package main

import "testing"

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_voters.up.sql", 1, false},
		{"012_add_index.up.sql", 12, false},
		{"voters.up.sql", 0, true},
		{"abc_voters.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, %v", tt.name, got, err)
		}
	}
}

func TestCollectAndPending(t *testing.T) {
	all, err := collect([]string{"002_trust_ledger.up.sql", "README.md", "001_voters.up.sql", "001_voters.down.sql"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].version != 1 || all[1].version != 2 {
		t.Fatalf("unexpected migrations: %+v", all)
	}

	todo := pending(all, map[int64]bool{1: true})
	if len(todo) != 1 || todo[0].file != "002_trust_ledger.up.sql" {
		t.Errorf("unexpected pending: %+v", todo)
	}
}

func TestCollect_duplicateVersion(t *testing.T) {
	if _, err := collect([]string{"001_a.up.sql", "001_b.up.sql"}); err == nil {
		t.Error("expected error for duplicate version")
	}
}
