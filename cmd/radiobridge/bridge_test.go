package main

import "testing"

func TestParseNodeIDs(t *testing.T) {
	ids, err := parseNodeIDs(" 2, 3,,9 ")
	if err != nil {
		t.Fatalf("parseNodeIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != 2 || ids[2] != 9 {
		t.Errorf("Expected [2 3 9], got %v", ids)
	}
	for _, bad := range []string{"", "0", "255", "x"} {
		if _, err := parseNodeIDs(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
