// Package wire formats the gateway side of the serial line protocol and owns
// the writer for the server link.
package wire

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	OutPrefix = "G>S:"
	InPrefix  = "S>G:"
	FieldSep  = ","
	GroupSep  = ";"
	Prompt    = " > "
	LineEnd   = "\r\n"
)

// Gateway to server tags.
const (
	TagGetTime        = "GTIME"
	TagTimeAck        = "STIME_ACK"
	TagTimeNack       = "STIME_NACK"
	TagGatewaySnap    = "GWSNAP"
	TagNodeSnap       = "NOSNAP"
	TagNodeSnapNack   = "GNOSNAP_NACK"
	TagMeterUpdate    = "MUPC"
	TagMeterUpdateNoC = "MUP_"
	TagMeterRebase    = "MREB"
	TagGeneral        = "GMSG"
	TagMeterValAck    = "SMVAL_ACK"
	TagMeterValNack   = "SMVAL_NACK"
	TagPuckLEDAck     = "SPLED_ACK"
	TagPuckLEDNack    = "SPLED_NACK"
	TagIntervalAck    = "SMINT_ACK"
	TagIntervalNack   = "SMINT_NACK"
	TagPollRateAck    = "SGITR_ACK"
	TagPollRateNack   = "SGITR_NACK"
	TagNodeDark       = "NDARK"
)

// FormatMessage renders an outbound message line without the terminator:
// G>S:TAG;f1,f2;g1,g2.
func FormatMessage(tag string, groups ...[]string) string {
	var b strings.Builder
	b.WriteString(OutPrefix)
	b.WriteString(tag)
	for _, g := range groups {
		b.WriteString(GroupSep)
		b.WriteString(strings.Join(g, FieldSep))
	}
	return b.String()
}

// Fields is shorthand for a single group built from formatted values.
func Fields(vals ...any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	return out
}

// Writer serializes lines onto the server link. Every complete line is also
// handed to the registered observers.
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	observers []func(line string)
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Observe registers fn to receive every line written, without terminator.
func (w *Writer) Observe(fn func(line string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, fn)
}

// Line writes s followed by CR LF.
func (w *Writer) Line(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.out, s+LineEnd); err != nil {
		return fmt.Errorf("wire: write line: %w", err)
	}
	for _, fn := range w.observers {
		fn(s)
	}
	return nil
}

// Raw writes b untouched. Used for interactive echo.
func (w *Writer) Raw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(b); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

func (w *Writer) Message(tag string, groups ...[]string) error {
	return w.Line(FormatMessage(tag, groups...))
}

// Console writes an operator-facing line behind the prompt.
func (w *Writer) Console(format string, args ...any) error {
	return w.Line(Prompt + fmt.Sprintf(format, args...))
}
