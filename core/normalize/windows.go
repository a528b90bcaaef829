package normalize

import (
	"strconv"
	"strings"
)

var eventIDKeys = []string{"EventID", "EventId", "event_id", "EventCode"}

type windowsEvent struct {
	category string
	action   string
	outcome  string
	enrich   func(fields map[string]any, out map[string]any)
}

var windowsEvents = map[int]windowsEvent{
	4624: {category: "authentication", action: "logon", outcome: "success", enrich: enrichLogon},
	4625: {category: "authentication", action: "logon", outcome: "failure", enrich: enrichLogon},
	1102: {category: "audit", action: "log_cleared", outcome: "success", enrich: enrichSubject},
	104:  {category: "audit", action: "log_cleared", outcome: "success", enrich: enrichSubject},
	4720: {category: "iam", action: "user_created", outcome: "success", enrich: enrichAccount},
	4726: {category: "iam", action: "user_deleted", outcome: "success", enrich: enrichAccount},
	4728: {category: "iam", action: "group_member_added", outcome: "success", enrich: enrichGroup},
	4732: {category: "iam", action: "group_member_added", outcome: "success", enrich: enrichGroup},
	4729: {category: "iam", action: "group_member_removed", outcome: "success", enrich: enrichGroup},
	4733: {category: "iam", action: "group_member_removed", outcome: "success", enrich: enrichGroup},
	4688: {category: "process", action: "process_start", outcome: "success", enrich: enrichProcess},
	4104: {category: "process", action: "powershell_script_block", outcome: "success", enrich: enrichScriptBlock},
}

// WindowsEventID returns the numeric event id from the common Windows field
// spellings.
func WindowsEventID(fields map[string]any) (int, bool) {
	for _, key := range eventIDKeys {
		raw := fieldString(fields, key)
		if raw == "" {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f == float64(int(f)) {
			return int(f), true
		}
	}
	return 0, false
}

func matchWindows(in Input) (map[string]any, bool) {
	id, ok := WindowsEventID(in.Fields)
	if !ok {
		return nil, false
	}
	def, known := windowsEvents[id]
	if !known {
		return nil, false
	}
	out := map[string]any{
		"log_type":       "windows_event",
		"event_code":     id,
		"event_category": def.category,
		"event_action":   def.action,
		"event_outcome":  def.outcome,
	}
	if def.enrich != nil {
		def.enrich(in.Fields, out)
	}
	return out, true
}

func setIf(out map[string]any, key, val string) {
	val = strings.TrimSpace(val)
	if val == "" || val == "-" {
		return
	}
	out[key] = val
}

func enrichLogon(fields map[string]any, out map[string]any) {
	setIf(out, "user", fieldString(fields, "TargetUserName"))
	setIf(out, "user_domain", fieldString(fields, "TargetDomainName"))
	setIf(out, "src_ip", fieldString(fields, "IpAddress"))
	if port := fieldString(fields, "IpPort"); port != "" && port != "-" && port != "0" {
		out["src_port"] = atoi(port)
	}
	setIf(out, "logon_type", fieldString(fields, "LogonType"))
	setIf(out, "src_host", fieldString(fields, "WorkstationName"))
}

func enrichSubject(fields map[string]any, out map[string]any) {
	setIf(out, "user", fieldString(fields, "SubjectUserName"))
}

func enrichAccount(fields map[string]any, out map[string]any) {
	setIf(out, "user", fieldString(fields, "SubjectUserName"))
	setIf(out, "target_user", fieldString(fields, "TargetUserName"))
}

func enrichGroup(fields map[string]any, out map[string]any) {
	setIf(out, "user", fieldString(fields, "SubjectUserName"))
	setIf(out, "group", fieldString(fields, "TargetUserName"))
	setIf(out, "target_user", fieldString(fields, "MemberName"))
}

func enrichProcess(fields map[string]any, out map[string]any) {
	setIf(out, "user", fieldString(fields, "SubjectUserName"))
	proc := fieldString(fields, "NewProcessName")
	setIf(out, "process_path", proc)
	if proc != "" {
		name := proc
		if i := strings.LastIndexAny(name, `\/`); i >= 0 {
			name = name[i+1:]
		}
		setIf(out, "process_name", name)
	}
	setIf(out, "command_line", fieldString(fields, "CommandLine"))
	setIf(out, "parent_process", fieldString(fields, "ParentProcessName"))
}

func enrichScriptBlock(fields map[string]any, out map[string]any) {
	setIf(out, "script_block", fieldString(fields, "ScriptBlockText"))
	setIf(out, "script_path", fieldString(fields, "Path"))
}
