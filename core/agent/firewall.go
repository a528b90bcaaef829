package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
)

const (
	BackendNFT      = "nft"
	BackendIPTables = "iptables"

	isolateTable = "berkut_isolate"
	blockTable   = "berkut_block"
	isoChainIn   = "BERKUT_ISO_IN"
	isoChainOut  = "BERKUT_ISO_OUT"
)

var ErrNoFirewall = errors.New("no supported firewall backend")

// Command is one firewall invocation.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ServerEndpoint is the SIEM address that isolation must keep reachable.
type ServerEndpoint struct {
	IP   net.IP
	Port int
}

// ResolveServer resolves the server URL to the address the agent talks to.
func ResolveServer(ctx context.Context, serverURL string) (ServerEndpoint, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil || u.Host == "" {
		return ServerEndpoint{}, fmt.Errorf("server url %q: invalid", serverURL)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return ServerEndpoint{}, fmt.Errorf("server port %q: %w", p, err)
		}
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return ServerEndpoint{IP: ip, Port: port}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return ServerEndpoint{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return ServerEndpoint{IP: v4, Port: port}, nil
		}
	}
	if len(addrs) == 0 {
		return ServerEndpoint{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	return ServerEndpoint{IP: addrs[0].IP, Port: port}, nil
}

// DetectBackend picks nft when present, else iptables. A configured value
// other than "auto" is used as is.
func DetectBackend(configured string, lookPath func(string) (string, error)) (string, error) {
	configured = strings.ToLower(strings.TrimSpace(configured))
	if configured != "" && configured != "auto" {
		if configured != BackendNFT && configured != BackendIPTables {
			return "", fmt.Errorf("firewall backend %q: unsupported", configured)
		}
		return configured, nil
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, b := range []string{BackendNFT, BackendIPTables} {
		if _, err := lookPath(b); err == nil {
			return b, nil
		}
	}
	return "", ErrNoFirewall
}

// IsolationPlan keeps loopback, established/related traffic and the server
// address open, then drops everything else.
func IsolationPlan(backend string, server ServerEndpoint) ([]Command, error) {
	if server.IP == nil || server.Port <= 0 {
		return nil, errors.New("isolation requires the server address")
	}
	family := "ip"
	iptables := "iptables"
	if server.IP.To4() == nil {
		family = "ip6"
		iptables = "ip6tables"
	}
	ip := server.IP.String()
	port := strconv.Itoa(server.Port)
	switch backend {
	case BackendNFT:
		nft := func(args ...string) Command { return Command{Name: "nft", Args: args} }
		return []Command{
			nft("add", "table", "inet", isolateTable),
			nft("add", "chain", "inet", isolateTable, "input", "{", "type", "filter", "hook", "input", "priority", "0", ";", "policy", "accept", ";", "}"),
			nft("add", "chain", "inet", isolateTable, "output", "{", "type", "filter", "hook", "output", "priority", "0", ";", "policy", "accept", ";", "}"),
			nft("add", "rule", "inet", isolateTable, "input", "iif", "lo", "accept"),
			nft("add", "rule", "inet", isolateTable, "output", "oif", "lo", "accept"),
			nft("add", "rule", "inet", isolateTable, "input", "ct", "state", "established,related", "accept"),
			nft("add", "rule", "inet", isolateTable, "output", "ct", "state", "established,related", "accept"),
			nft("add", "rule", "inet", isolateTable, "input", family, "saddr", ip, "tcp", "sport", port, "accept"),
			nft("add", "rule", "inet", isolateTable, "output", family, "daddr", ip, "tcp", "dport", port, "accept"),
			nft("add", "rule", "inet", isolateTable, "input", "drop"),
			nft("add", "rule", "inet", isolateTable, "output", "drop"),
		}, nil
	case BackendIPTables:
		ipt := func(args ...string) Command { return Command{Name: iptables, Args: args} }
		return []Command{
			ipt("-N", isoChainIn),
			ipt("-N", isoChainOut),
			ipt("-A", isoChainIn, "-i", "lo", "-j", "ACCEPT"),
			ipt("-A", isoChainOut, "-o", "lo", "-j", "ACCEPT"),
			ipt("-A", isoChainIn, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"),
			ipt("-A", isoChainOut, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"),
			ipt("-A", isoChainIn, "-s", ip, "-p", "tcp", "--sport", port, "-j", "ACCEPT"),
			ipt("-A", isoChainOut, "-d", ip, "-p", "tcp", "--dport", port, "-j", "ACCEPT"),
			ipt("-A", isoChainIn, "-j", "DROP"),
			ipt("-A", isoChainOut, "-j", "DROP"),
			ipt("-I", "INPUT", "1", "-j", isoChainIn),
			ipt("-I", "OUTPUT", "1", "-j", isoChainOut),
		}, nil
	}
	return nil, fmt.Errorf("firewall backend %q: unsupported", backend)
}

// ReleasePlan undoes IsolationPlan. Steps may fail when nothing is isolated.
func ReleasePlan(backend string) ([]Command, error) {
	switch backend {
	case BackendNFT:
		return []Command{{Name: "nft", Args: []string{"delete", "table", "inet", isolateTable}}}, nil
	case BackendIPTables:
		var cmds []Command
		for _, bin := range []string{"iptables", "ip6tables"} {
			cmds = append(cmds,
				Command{Name: bin, Args: []string{"-D", "INPUT", "-j", isoChainIn}},
				Command{Name: bin, Args: []string{"-D", "OUTPUT", "-j", isoChainOut}},
				Command{Name: bin, Args: []string{"-F", isoChainIn}},
				Command{Name: bin, Args: []string{"-F", isoChainOut}},
				Command{Name: bin, Args: []string{"-X", isoChainIn}},
				Command{Name: bin, Args: []string{"-X", isoChainOut}},
			)
		}
		return cmds, nil
	}
	return nil, fmt.Errorf("firewall backend %q: unsupported", backend)
}

// BlockPlan drops traffic to and from ip. The nft variant keeps addresses in
// named sets so unblocking removes a single element.
func BlockPlan(backend string, ip net.IP, block bool) ([]Command, error) {
	if ip == nil {
		return nil, errors.New("block requires an ip")
	}
	addr := ip.String()
	set, iptables := "blocked4", "iptables"
	if ip.To4() == nil {
		set, iptables = "blocked6", "ip6tables"
	}
	switch backend {
	case BackendNFT:
		nft := func(args ...string) Command { return Command{Name: "nft", Args: args} }
		if !block {
			return []Command{nft("delete", "element", "inet", blockTable, set, "{", addr, "}")}, nil
		}
		return []Command{
			nft("add", "table", "inet", blockTable),
			nft("add", "set", "inet", blockTable, "blocked4", "{", "type", "ipv4_addr", ";", "}"),
			nft("add", "set", "inet", blockTable, "blocked6", "{", "type", "ipv6_addr", ";", "}"),
			nft("add", "chain", "inet", blockTable, "input", "{", "type", "filter", "hook", "input", "priority", "-10", ";", "}"),
			nft("add", "chain", "inet", blockTable, "output", "{", "type", "filter", "hook", "output", "priority", "-10", ";", "}"),
			nft("flush", "chain", "inet", blockTable, "input"),
			nft("flush", "chain", "inet", blockTable, "output"),
			nft("add", "rule", "inet", blockTable, "input", "ip", "saddr", "@blocked4", "drop"),
			nft("add", "rule", "inet", blockTable, "input", "ip6", "saddr", "@blocked6", "drop"),
			nft("add", "rule", "inet", blockTable, "output", "ip", "daddr", "@blocked4", "drop"),
			nft("add", "rule", "inet", blockTable, "output", "ip6", "daddr", "@blocked6", "drop"),
			nft("add", "element", "inet", blockTable, set, "{", addr, "}"),
		}, nil
	case BackendIPTables:
		op := "-I"
		if !block {
			op = "-D"
		}
		return []Command{
			{Name: iptables, Args: []string{op, "INPUT", "-s", addr, "-j", "DROP"}},
			{Name: iptables, Args: []string{op, "OUTPUT", "-d", addr, "-j", "DROP"}},
		}, nil
	}
	return nil, fmt.Errorf("firewall backend %q: unsupported", backend)
}
