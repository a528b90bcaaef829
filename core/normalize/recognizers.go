package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

const ipPattern = `(?:\d{1,3}(?:\.\d{1,3}){3}|[0-9A-Fa-f:]*:[0-9A-Fa-f:.]+)`

var (
	sshFailedRe    = regexp.MustCompile(`Failed (password|publickey|keyboard-interactive\S*) for (invalid user )?(\S+) from (` + ipPattern + `) port (\d+)`)
	sshAcceptedRe  = regexp.MustCompile(`Accepted (password|publickey|keyboard-interactive\S*) for (\S+) from (` + ipPattern + `) port (\d+)`)
	sshInvalidRe   = regexp.MustCompile(`Invalid user (\S*) from (` + ipPattern + `)(?: port (\d+))?`)
	sudoCommandRe  = regexp.MustCompile(`sudo(?:\[\d+\])?:\s+(\S+)\s*:.*?(?:TTY=(\S+)\s*;\s*)?(?:PWD=(\S+)\s*;\s*)?USER=(\S+)\s*;\s*COMMAND=(.*)$`)
	sudoFailPamRe  = regexp.MustCompile(`pam_unix\(sudo:auth\): authentication failure;.*?\buser=(\S+)`)
	sudoFailRe     = regexp.MustCompile(`sudo(?:\[\d+\])?:\s+(\S+)\s*:\s*(?:\d+ )?incorrect password attempts?`)
	firewallVerbRe = regexp.MustCompile(`\b(ALLOW|ALLOWED|ACCEPT|BLOCK|BLOCKED|DENY|DENIED|DROP|REJECT)\b`)
	kvRe           = regexp.MustCompile(`\b([A-Z]+)=(\S*)`)
	webAccessRe    = regexp.MustCompile(`(` + ipPattern + `) \S+ (\S+) \[([^\]]+)\] "([A-Z]+) (\S+)(?: ([^"]*))?" (\d{3}) (\d+|-)(?: "([^"]*)" "([^"]*)")?`)
	dnsmasqQueryRe = regexp.MustCompile(`query\[(\w+)\] (\S+) from (` + ipPattern + `)`)
	bindQueryRe    = regexp.MustCompile(`client (?:@\S+ )?(` + ipPattern + `)#(\d+)(?: \([^)]*\))?: query: (\S+) IN (\w+)`)
	dhcpAckDnsmasq = regexp.MustCompile(`DHCPACK\((\S+)\) (\d{1,3}(?:\.\d{1,3}){3}) ([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})(?: (\S+))?`)
	dhcpAckISC     = regexp.MustCompile(`DHCPACK on (\d{1,3}(?:\.\d{1,3}){3}) to ([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})(?: \(([^)]*)\))? via (\S+)`)
	dhcpDiscDnsmq  = regexp.MustCompile(`DHCPDISCOVER\((\S+)\)(?: (\d{1,3}(?:\.\d{1,3}){3}))? ([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})`)
	dhcpDiscISC    = regexp.MustCompile(`DHCPDISCOVER from ([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})(?: \(([^)]*)\))? via (\S+)`)
)

func matchSSHD(in Input) (map[string]any, bool) {
	msg := in.Message
	if m := sshFailedRe.FindStringSubmatch(msg); m != nil {
		out := map[string]any{
			"log_type":       "sshd",
			"event_category": "authentication",
			"event_action":   "ssh_login",
			"event_outcome":  "failure",
			"auth_method":    m[1],
			"user":           m[3],
			"src_ip":         m[4],
			"src_port":       atoi(m[5]),
		}
		if m[2] != "" {
			out["invalid_user"] = true
		}
		return out, true
	}
	if m := sshAcceptedRe.FindStringSubmatch(msg); m != nil {
		return map[string]any{
			"log_type":       "sshd",
			"event_category": "authentication",
			"event_action":   "ssh_login",
			"event_outcome":  "success",
			"auth_method":    m[1],
			"user":           m[2],
			"src_ip":         m[3],
			"src_port":       atoi(m[4]),
		}, true
	}
	if m := sshInvalidRe.FindStringSubmatch(msg); m != nil {
		out := map[string]any{
			"log_type":       "sshd",
			"event_category": "authentication",
			"event_action":   "ssh_invalid_user",
			"event_outcome":  "failure",
			"user":           m[1],
			"src_ip":         m[2],
			"invalid_user":   true,
		}
		if m[3] != "" {
			out["src_port"] = atoi(m[3])
		}
		return out, true
	}
	return nil, false
}

func matchSudo(in Input) (map[string]any, bool) {
	msg := in.Message
	if m := sudoCommandRe.FindStringSubmatch(msg); m != nil {
		out := map[string]any{
			"log_type":       "sudo",
			"event_category": "privilege",
			"event_action":   "sudo_command",
			"event_outcome":  "success",
			"user":           m[1],
			"target_user":    m[4],
			"command":        strings.TrimSpace(m[5]),
		}
		if m[2] != "" {
			out["tty"] = m[2]
		}
		if m[3] != "" {
			out["cwd"] = m[3]
		}
		return out, true
	}
	if m := sudoFailPamRe.FindStringSubmatch(msg); m != nil {
		return sudoFailure(m[1]), true
	}
	if m := sudoFailRe.FindStringSubmatch(msg); m != nil {
		return sudoFailure(m[1]), true
	}
	return nil, false
}

func sudoFailure(user string) map[string]any {
	return map[string]any{
		"log_type":       "sudo",
		"event_category": "privilege",
		"event_action":   "sudo_auth_failure",
		"event_outcome":  "failure",
		"user":           user,
	}
}

func matchFirewall(in Input) (map[string]any, bool) {
	msg := in.Message
	kv := map[string]string{}
	for _, m := range kvRe.FindAllStringSubmatch(msg, -1) {
		if _, seen := kv[m[1]]; !seen {
			kv[m[1]] = m[2]
		}
	}
	src, dst := kv["SRC"], kv["DST"]
	if src == "" || dst == "" {
		return nil, false
	}
	out := map[string]any{
		"log_type":       "firewall",
		"event_category": "network",
		"event_action":   "connection",
		"src_ip":         src,
		"dst_ip":         dst,
	}
	if verb := firewallVerbRe.FindString(msg); verb != "" {
		switch verb {
		case "ALLOW", "ALLOWED", "ACCEPT":
			out["event_action"] = "allow"
			out["event_outcome"] = "success"
		default:
			out["event_action"] = "block"
			out["event_outcome"] = "failure"
		}
	}
	if v := kv["PROTO"]; v != "" {
		out["proto"] = strings.ToLower(v)
	}
	if v := kv["SPT"]; v != "" {
		out["src_port"] = atoi(v)
	}
	if v := kv["DPT"]; v != "" {
		out["dst_port"] = atoi(v)
	}
	if v := kv["IN"]; v != "" {
		out["in_iface"] = v
	}
	if v := kv["OUT"]; v != "" {
		out["out_iface"] = v
	}
	return out, true
}

func matchWebAccess(in Input) (map[string]any, bool) {
	m := webAccessRe.FindStringSubmatch(in.Message)
	if m == nil {
		return nil, false
	}
	status := atoi(m[7])
	out := map[string]any{
		"log_type":       "web_access",
		"event_category": "web",
		"event_action":   "http_request",
		"src_ip":         m[1],
		"http_method":    m[4],
		"http_path":      m[5],
		"http_status":    status,
	}
	if m[6] != "" {
		out["http_version"] = m[6]
	}
	if m[2] != "-" {
		out["user"] = m[2]
	}
	if m[8] != "-" {
		out["bytes"] = atoi(m[8])
	}
	if m[9] != "" && m[9] != "-" {
		out["referrer"] = m[9]
	}
	if m[10] != "" && m[10] != "-" {
		out["user_agent"] = m[10]
	}
	if status >= 400 {
		out["event_outcome"] = "failure"
	} else {
		out["event_outcome"] = "success"
	}
	return out, true
}

func matchDNS(in Input) (map[string]any, bool) {
	if m := dnsmasqQueryRe.FindStringSubmatch(in.Message); m != nil {
		return map[string]any{
			"log_type":       "dns",
			"event_category": "network",
			"event_action":   "dns_query",
			"dns_qtype":      m[1],
			"dns_qname":      strings.TrimSuffix(m[2], "."),
			"src_ip":         m[3],
		}, true
	}
	if m := bindQueryRe.FindStringSubmatch(in.Message); m != nil {
		return map[string]any{
			"log_type":       "dns",
			"event_category": "network",
			"event_action":   "dns_query",
			"src_ip":         m[1],
			"src_port":       atoi(m[2]),
			"dns_qname":      strings.TrimSuffix(m[3], "."),
			"dns_qtype":      m[4],
		}, true
	}
	return nil, false
}

func matchDHCP(in Input) (map[string]any, bool) {
	msg := in.Message
	base := func(action string) map[string]any {
		return map[string]any{
			"log_type":       "dhcp",
			"event_category": "network",
			"event_action":   action,
		}
	}
	if m := dhcpAckDnsmasq.FindStringSubmatch(msg); m != nil {
		out := base("dhcp_ack")
		out["dhcp_iface"] = m[1]
		out["dhcp_ip"] = m[2]
		out["mac"] = strings.ToLower(m[3])
		if m[4] != "" {
			out["dhcp_hostname"] = m[4]
		}
		return out, true
	}
	if m := dhcpAckISC.FindStringSubmatch(msg); m != nil {
		out := base("dhcp_ack")
		out["dhcp_ip"] = m[1]
		out["mac"] = strings.ToLower(m[2])
		if m[3] != "" {
			out["dhcp_hostname"] = m[3]
		}
		out["dhcp_iface"] = m[4]
		return out, true
	}
	if m := dhcpDiscDnsmq.FindStringSubmatch(msg); m != nil {
		out := base("dhcp_discover")
		out["dhcp_iface"] = m[1]
		if m[2] != "" {
			out["dhcp_ip"] = m[2]
		}
		out["mac"] = strings.ToLower(m[3])
		return out, true
	}
	if m := dhcpDiscISC.FindStringSubmatch(msg); m != nil {
		out := base("dhcp_discover")
		out["mac"] = strings.ToLower(m[1])
		if m[2] != "" {
			out["dhcp_hostname"] = m[2]
		}
		out["dhcp_iface"] = m[3]
		return out, true
	}
	return nil, false
}

// matchFlow treats structured records carrying a source and a destination as network flows.
func matchFlow(in Input) (map[string]any, bool) {
	if fieldString(in.Fields, "src_ip") == "" {
		return nil, false
	}
	if fieldString(in.Fields, "dst_port") == "" && fieldString(in.Fields, "dst_ip") == "" {
		return nil, false
	}
	return map[string]any{
		"log_type":       "flow",
		"event_category": "network",
		"event_action":   "flow",
	}, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
