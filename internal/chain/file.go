package chain

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xrelkd/tunelo/internal/upstream"
)

// ParseFile reads a chain file: one "kind://host:port" hop per line,
// blank lines and lines starting with '#' ignored, in top-to-bottom
// order (the first line is the first hop the client connects to).
func ParseFile(r io.Reader) (Chain, error) {
	var hops []Hop
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hop, err := parseHopLine(line)
		if err != nil {
			return Chain{}, fmt.Errorf("chain: line %d: %w", lineNo, err)
		}
		hops = append(hops, hop)
	}
	if err := sc.Err(); err != nil {
		return Chain{}, fmt.Errorf("chain: read chain file: %w", err)
	}
	if len(hops) == 0 {
		return Chain{}, fmt.Errorf("chain: no hops found in chain file")
	}
	return Chain{Hops: hops}, nil
}

func parseHopLine(line string) (Hop, error) {
	schemeSep := strings.Index(line, "://")
	if schemeSep < 0 {
		return Hop{}, fmt.Errorf("missing scheme in %q (expected kind://host:port)", line)
	}
	scheme := line[:schemeSep]
	addr := line[schemeSep+len("://"):]
	if addr == "" {
		return Hop{}, fmt.Errorf("missing host:port in %q", line)
	}
	kind, err := upstream.ParseKind(scheme)
	if err != nil {
		return Hop{}, err
	}
	return Hop{Kind: kind, Addr: addr}, nil
}
