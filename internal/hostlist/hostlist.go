// Package hostlist works out where the members of a group run: it expands
// SLURM node lists, reads YAML host files and hands out one address per slot.
package hostlist

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBasePort is the first port handed out on every host.
const DefaultBasePort = 5000

// Host is a machine and the number of members to run on it. An empty Name is
// the local machine.
type Host struct {
	Name  string `yaml:"host"`
	Slots int    `yaml:"slots"`
}

// File is the layout of a host file:
//
//	hosts:
//	  - host: node1
//	    slots: 4
//	  - host: node2
//	    slots: 4
type File struct {
	BasePort int    `yaml:"baseport,omitempty"`
	Hosts    []Host `yaml:"hosts"`
}

// ParseFile reads a host file. Hosts without slots get one.
func ParseFile(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("hostlist: empty host file")
		}
		return nil, fmt.Errorf("hostlist: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, errors.New("hostlist: host file lists no hosts")
	}
	for i := range f.Hosts {
		if f.Hosts[i].Slots < 0 {
			return nil, fmt.Errorf("hostlist: host %q has negative slots", f.Hosts[i].Name)
		}
		if f.Hosts[i].Slots == 0 {
			f.Hosts[i].Slots = 1
		}
	}
	return &f, nil
}

// LoadFile reads the host file at path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ParseFile(fh)
}

// Slots is the total number of members the hosts can run.
func Slots(hosts []Host) int {
	var n int
	for _, h := range hosts {
		n += h.Slots
	}
	return n
}

// Local is n slots on the local machine.
func Local(n int) []Host {
	return []Host{{Slots: n}}
}

// Slot is one member's place: the host it runs on and the address it
// listens on.
type Slot struct {
	Host string
	Addr string
}

// Assign hands out one address per slot. Ports on each host count up from
// basePort.
func Assign(hosts []Host, basePort int) ([]Slot, error) {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	var slots []Slot
	next := make(map[string]int)
	for _, h := range hosts {
		for i := 0; i < h.Slots; i++ {
			port := basePort + next[h.Name]
			if port > 65535 {
				return nil, fmt.Errorf("hostlist: out of ports on host %q", h.Name)
			}
			next[h.Name]++
			slots = append(slots, Slot{
				Host: h.Name,
				Addr: net.JoinHostPort(h.Name, strconv.Itoa(port)),
			})
		}
	}
	return slots, nil
}

// Expand expands a SLURM node list such as "node[1-3,07],login" into host
// names. Lists may be separated by commas or whitespace; numeric ranges keep
// the zero padding of their lower bound. A name may hold several bracket
// groups and text after them, as in "rack[1-2]-cn[01-02]-ib".
func Expand(nodelist string) ([]string, error) {
	var hosts []string
	for _, item := range splitTop(nodelist) {
		names, err := expandItem(item)
		if err != nil {
			return nil, fmt.Errorf("hostlist: %q: %w", item, err)
		}
		hosts = append(hosts, names...)
	}
	return hosts, nil
}

// expandItem expands the first bracket group of item and recurses on the rest.
func expandItem(item string) ([]string, error) {
	open := strings.IndexByte(item, '[')
	if open < 0 {
		if strings.IndexByte(item, ']') >= 0 {
			return nil, errors.New("unmatched ]")
		}
		return []string{item}, nil
	}
	end := strings.IndexByte(item[open:], ']')
	if end < 0 {
		return nil, errors.New("unterminated range")
	}
	end += open
	prefix, body := item[:open], item[open+1:end]
	if strings.IndexByte(prefix, ']') >= 0 || strings.IndexByte(body, '[') >= 0 {
		return nil, errors.New("nested or unmatched brackets")
	}
	suffixes, err := expandItem(item[end+1:])
	if err != nil {
		return nil, err
	}
	var names []string
	for _, sweep := range strings.Split(body, ",") {
		heads, err := expandRange(prefix, sweep)
		if err != nil {
			return nil, err
		}
		for _, h := range heads {
			for _, suffix := range suffixes {
				names = append(names, h+suffix)
			}
		}
	}
	return names, nil
}

// splitTop splits at commas and whitespace outside of brackets.
func splitTop(s string) []string {
	var items []string
	depth, start := 0, 0
	flush := func(end int) {
		if item := strings.TrimSpace(s[start:end]); item != "" {
			items = append(items, item)
		}
	}
	for i, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0 && (r == ',' || r == ' ' || r == '\t' || r == '\n'):
			flush(i)
			start = i + 1
		}
	}
	flush(len(s))
	return items
}

func expandRange(prefix, sweep string) ([]string, error) {
	numStrs := strings.SplitN(sweep, "-", 2)
	if len(numStrs) == 1 {
		if _, err := strconv.Atoi(numStrs[0]); err != nil {
			return nil, err
		}
		return []string{prefix + numStrs[0]}, nil
	}
	lowInd, err := strconv.Atoi(numStrs[0])
	if err != nil {
		return nil, err
	}
	highInd, err := strconv.Atoi(numStrs[1])
	if err != nil {
		return nil, err
	}
	if highInd < lowInd {
		return nil, fmt.Errorf("range %v is backwards", sweep)
	}
	width := len(numStrs[0])
	names := make([]string, 0, highInd-lowInd+1)
	for i := lowInd; i <= highInd; i++ {
		names = append(names, fmt.Sprintf("%s%0*d", prefix, width, i))
	}
	return names, nil
}
