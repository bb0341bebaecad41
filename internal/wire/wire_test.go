package wire

import (
	"bytes"
	"testing"
)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		tag    string
		groups [][]string
		want   string
	}{
		{TagGetTime, nil, "G>S:GTIME"},
		{TagMeterValAck, [][]string{{"7"}}, "G>S:SMVAL_ACK;7"},
		{TagNodeDark, [][]string{Fields(3, uint32(1500000000))}, "G>S:NDARK;3,1500000000"},
		{TagNodeSnap, [][]string{{"1", "2"}, {"3", "4"}}, "G>S:NOSNAP;1,2;3,4"},
	}
	for _, tt := range tests {
		if got := FormatMessage(tt.tag, tt.groups...); got != tt.want {
			t.Errorf("FormatMessage(%s) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestWriterObserversAndTerminator(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var seen []string
	w.Observe(func(line string) { seen = append(seen, line) })

	w.Message(TagGetTime)
	w.Console("Gway Id=%d", 1)

	want := "G>S:GTIME\r\n > Gway Id=1\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
	if len(seen) != 2 || seen[1] != " > Gway Id=1" {
		t.Errorf("observers saw %q", seen)
	}
}
