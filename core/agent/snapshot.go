package agent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Process is one entry of the process table.
type Process struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid"`
	Comm    string `json:"comm"`
	Exe     string `json:"exe,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
	UID     int    `json:"uid"`
}

// Snapshotter reads the process table and listening TCP sockets from procfs
// and reports changes since the previous call.
type Snapshotter struct {
	root  string
	host  string
	now   func() time.Time
	procs map[int]Process
	ports map[string]struct{}
	first bool
}

func NewSnapshotter(procRoot, host string) *Snapshotter {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Snapshotter{root: procRoot, host: host, now: time.Now, first: true}
}

// Processes lists the current process table ordered by pid.
func (s *Snapshotter) Processes() ([]Process, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		p, ok := s.readProcess(pid)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *Snapshotter) readProcess(pid int) (Process, bool) {
	dir := filepath.Join(s.root, strconv.Itoa(pid))
	p := Process{PID: pid}
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return p, false
	}
	// pid (comm) state ppid ...
	text := string(stat)
	open, closeIdx := strings.IndexByte(text, '('), strings.LastIndexByte(text, ')')
	if open < 0 || closeIdx < open {
		return p, false
	}
	p.Comm = text[open+1 : closeIdx]
	if rest := strings.Fields(text[closeIdx+1:]); len(rest) >= 2 {
		p.PPID, _ = strconv.Atoi(rest[1])
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		p.Cmdline = strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		p.Exe = exe
	}
	p.UID = readUID(filepath.Join(dir, "status"))
	return p, true
}

func readUID(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return -1
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "Uid:") {
			if fields := strings.Fields(line); len(fields) >= 2 {
				uid, err := strconv.Atoi(fields[1])
				if err == nil {
					return uid
				}
			}
			break
		}
	}
	return -1
}

// ListeningPorts returns "proto/port" keys for sockets in LISTEN state.
func (s *Snapshotter) ListeningPorts() []string {
	seen := map[string]struct{}{}
	for _, proto := range []string{"tcp", "tcp6"} {
		f, err := os.Open(filepath.Join(s.root, "net", proto))
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 4 || fields[3] != "0A" {
				continue
			}
			local := fields[1]
			idx := strings.LastIndexByte(local, ':')
			if idx < 0 {
				continue
			}
			port, err := strconv.ParseUint(local[idx+1:], 16, 16)
			if err != nil {
				continue
			}
			seen[fmt.Sprintf("tcp/%d", port)] = struct{}{}
		}
		f.Close()
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Collect returns a heartbeat plus process and port deltas. The first call
// only records the baseline.
func (s *Snapshotter) Collect() []TelemetryEvent {
	ts := float64(s.now().UnixNano()) / 1e9
	procs, err := s.Processes()
	if err != nil {
		procs = nil
	}
	ports := s.ListeningPorts()

	curProcs := make(map[int]Process, len(procs))
	for _, p := range procs {
		curProcs[p.PID] = p
	}
	curPorts := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		curPorts[p] = struct{}{}
	}

	events := []TelemetryEvent{{
		TS:       ts,
		Facility: "edr",
		Message:  fmt.Sprintf("heartbeat host=%s processes=%d listening=%d", s.host, len(procs), len(ports)),
		Fields: map[string]any{
			"event_category": "host",
			"event_action":   "heartbeat",
			"process_count":  len(procs),
			"listening":      ports,
		},
	}}
	if !s.first {
		for _, p := range procs {
			if _, ok := s.procs[p.PID]; !ok {
				events = append(events, processEvent(ts, "process_start", p))
			}
		}
		for pid, p := range s.procs {
			if _, ok := curProcs[pid]; !ok {
				events = append(events, processEvent(ts, "process_exit", p))
			}
		}
		for _, port := range ports {
			if _, ok := s.ports[port]; !ok {
				events = append(events, portEvent(ts, "port_open", port))
			}
		}
		for port := range s.ports {
			if _, ok := curPorts[port]; !ok {
				events = append(events, portEvent(ts, "port_close", port))
			}
		}
	}
	s.procs, s.ports, s.first = curProcs, curPorts, false
	return events
}

func processEvent(ts float64, action string, p Process) TelemetryEvent {
	cmd := p.Cmdline
	if cmd == "" {
		cmd = p.Comm
	}
	return TelemetryEvent{
		TS:       ts,
		Facility: "edr",
		Message:  fmt.Sprintf("%s pid=%d ppid=%d %s", action, p.PID, p.PPID, cmd),
		Fields: map[string]any{
			"event_category": "process",
			"event_action":   action,
			"pid":            p.PID,
			"ppid":           p.PPID,
			"process_name":   p.Comm,
			"command_line":   p.Cmdline,
			"exe":            p.Exe,
			"uid":            p.UID,
		},
	}
}

func portEvent(ts float64, action, key string) TelemetryEvent {
	port := 0
	if idx := strings.IndexByte(key, '/'); idx >= 0 {
		port, _ = strconv.Atoi(key[idx+1:])
	}
	return TelemetryEvent{
		TS:       ts,
		Facility: "edr",
		Message:  fmt.Sprintf("%s %s", action, key),
		Fields: map[string]any{
			"event_category": "network",
			"event_action":   action,
			"listen_port":    port,
			"proto":          "tcp",
		},
	}
}
