package steamcmd

import "strings"

// Decoder applies Parse to a stream of lines, joining a line that SteamCMD
// split in two (a login line whose status arrives on the next line, or a
// progress line cut before its number). It holds at most one line.
type Decoder struct {
	pending string
	kind    wrapKind
}

// Feed decodes the next line and returns the events it completes.
func (d *Decoder) Feed(line string) []Event {
	var out []Event
	if d.pending != "" {
		head, kind := d.pending, d.kind
		d.pending, d.kind = "", wrapNone
		if continues(kind, line) {
			joined := head + strings.TrimSpace(line)
			if kind == wrapProgress && !strings.HasSuffix(head, " ") {
				joined = head + " " + strings.TrimSpace(line)
			}
			if ev, ok := Parse(joined); ok {
				out = append(out, ev)
			}
			return out
		}
		if ev, ok := Parse(head); ok {
			out = append(out, ev)
		}
	}

	if k := wrapped(line); k != wrapNone {
		d.pending, d.kind = line, k
		return out
	}
	if ev, ok := Parse(line); ok {
		out = append(out, ev)
	}
	return out
}

// Flush returns the event for a held line, if any. Call it at end of output.
func (d *Decoder) Flush() []Event {
	if d.pending == "" {
		return nil
	}
	head := d.pending
	d.pending, d.kind = "", wrapNone
	if ev, ok := Parse(head); ok {
		return []Event{ev}
	}
	return nil
}
