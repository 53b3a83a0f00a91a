package gdbstub

import (
	"fmt"
	"html"
	"strings"
)

// qxfer.go implements the 'qXfer:object:read:annex:offset,length' family
// (§4.D qXfer): on-demand XML documents describing loaded libraries,
// threads and the memory map, served through a generic offset/length
// windowing helper (GDB may fetch a large document in several round trips).

// handleQXfer parses the full, unsplit "qXfer:..." command (the generic
// command splitter in HandleRequest stops at the first separator, which for
// qXfer is itself meaningful, so this handler re-parses the raw body).
func (d *Dispatcher) handleQXfer(raw string) string {
	parts := strings.SplitN(raw, ":", 5)
	if len(parts) != 5 || parts[0] != "qXfer" || parts[2] != "read" {
		return ""
	}

	object := parts[1]
	offset, length, ok := parseCommaPair(parts[4])
	if !ok {
		return errLiteralReply("EINVAL")
	}

	doc, ok := d.qxferDocument(object)
	if !ok {
		return ""
	}

	return windowDocument(doc, offset, length)
}

func parseCommaPair(s string) (int, int, bool) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return 0, 0, false
	}

	return int(parseHexInteger(s[:comma])), int(parseHexInteger(s[comma+1:])), true
}

// windowDocument implements the 'm'/'l' chunking convention: 'l' means this
// is the final (possibly empty) chunk, 'm' means more data follows.
func windowDocument(doc string, offset, length int) string {
	if offset < 0 || offset > len(doc) {
		return "l"
	}

	end := offset + length
	if end >= len(doc) {
		return "l" + doc[offset:]
	}

	return "m" + doc[offset:end]
}

func (d *Dispatcher) qxferDocument(object string) (string, bool) {
	switch object {
	case "libraries":
		return d.librariesDocument(), true
	case "threads":
		return d.threadsDocument(), true
	case "memory-map":
		return d.memoryMapDocument(), true
	default:
		return "", false
	}
}

func (d *Dispatcher) librariesDocument() string {
	libs, status := d.target.DynamicLibraries()
	if status != StatusSuccess {
		return "<library-list></library-list>"
	}

	var b strings.Builder

	b.WriteString("<library-list>")

	for _, lib := range libs {
		fmt.Fprintf(&b, "<library name=\"%s\"><segment address=\"0x%x\"/></library>",
			html.EscapeString(lib.FullPath), lib.LoadAddress)
	}

	b.WriteString("</library-list>")

	return b.String()
}

func (d *Dispatcher) threadsDocument() string {
	d.refreshThreadCacheIfNeeded()

	var b strings.Builder

	b.WriteString("<?xml version=\"1.0\"?><threads>")

	for _, t := range d.threadInfoCache {
		fmt.Fprintf(&b, "<thread id=\"%x\" name=\"%s\"/>", t.ThreadID, html.EscapeString(t.Name))
	}

	b.WriteString("</threads>\n")

	return b.String()
}

func (d *Dispatcher) memoryMapDocument() string {
	d.memoryRegionsOnce.Do(func() {
		fp := d.target.FlashProgrammer()
		if fp == nil {
			return
		}

		regions, status := fp.MemoryRegions()
		if status == StatusSuccess {
			d.memoryRegions = regions
		}
	})

	var b strings.Builder

	b.WriteString("<memory-map>")

	for _, r := range d.memoryRegions {
		if r.Type == MemoryRegionFlash {
			fmt.Fprintf(&b, "<memory type=\"flash\" start=\"0x%x\" length=\"0x%x\"><property name=\"blocksize\">0x%x</property></memory>",
				r.Start, r.Length, r.EraseBlockSize)
		} else {
			fmt.Fprintf(&b, "<memory type=\"ram\" start=\"0x%x\" length=\"0x%x\"/>", r.Start, r.Length)
		}
	}

	b.WriteString("</memory-map>")

	return b.String()
}
