package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"berkut-siem/core/normalize"
)

// Event is immutable once inserted. Pivot columns are derived best-effort from
// Fields and may be empty on historical rows.
type Event struct {
	ID       int64          `json:"id"`
	TS       float64        `json:"ts"`
	Source   string         `json:"source"`
	Host     string         `json:"host,omitempty"`
	Facility string         `json:"facility,omitempty"`
	Severity string         `json:"severity,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields"`

	LogType       string `json:"log_type,omitempty"`
	EventCategory string `json:"event_category,omitempty"`
	EventAction   string `json:"event_action,omitempty"`
	EventOutcome  string `json:"event_outcome,omitempty"`
	User          string `json:"user,omitempty"`
	SrcIP         string `json:"src_ip,omitempty"`
	DstIP         string `json:"dst_ip,omitempty"`
	SrcPort       *int64 `json:"src_port,omitempty"`
	DstPort       *int64 `json:"dst_port,omitempty"`
	HTTPMethod    string `json:"http_method,omitempty"`
	HTTPPath      string `json:"http_path,omitempty"`
	HTTPStatus    *int64 `json:"http_status,omitempty"`
	DNSQName      string `json:"dns_qname,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	IPs           string `json:"ips,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
}

type EventFilter struct {
	AgentID string
	IP      string
	Limit   int
}

type EventsStore interface {
	InsertEvent(ctx context.Context, ev *Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	SearchEvents(ctx context.Context, query string, filter EventFilter) ([]Event, error)
	Timeline(ctx context.Context, eventID int64, before, after float64, pivot string, limit int) (*Timeline, error)
}

type Timeline struct {
	Anchor     Event   `json:"anchor"`
	Pivot      string  `json:"pivot"`
	PivotValue string  `json:"pivot_value,omitempty"`
	From       float64 `json:"from"`
	To         float64 `json:"to"`
	Events     []Event `json:"events"`
}

type eventsStore struct {
	db *sql.DB
}

func NewEventsStore(db *sql.DB) EventsStore {
	return &eventsStore{db: db}
}

const eventColumns = `id, ts, source, host, facility, severity, message, fields, log_type, event_category, event_action, event_outcome, user, src_ip, dst_ip, src_port, dst_port, http_method, http_path, http_status, dns_qname, user_agent, ips, agent_id`

// DerivePivots fills the pivot columns from Fields and the message.
func (e *Event) DerivePivots() {
	str := func(key string) string {
		if e.Fields == nil {
			return ""
		}
		return strings.TrimSpace(ScalarString(e.Fields[key]))
	}
	num := func(key string) *int64 {
		raw := str(key)
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil {
				return nil
			}
			n = int64(f)
		}
		return &n
	}
	e.LogType = str("log_type")
	e.EventCategory = str("event_category")
	e.EventAction = str("event_action")
	e.EventOutcome = str("event_outcome")
	e.User = str("user")
	e.SrcIP = str("src_ip")
	e.DstIP = str("dst_ip")
	e.SrcPort = num("src_port")
	e.DstPort = num("dst_port")
	e.HTTPMethod = str("http_method")
	e.HTTPPath = str("http_path")
	e.HTTPStatus = num("http_status")
	e.DNSQName = str("dns_qname")
	e.UserAgent = str("user_agent")
	e.AgentID = str("agent_id")
	e.IPs = strings.Join(normalize.ExtractIPv4s(e.Message, e.Fields), ",")
}

// Attr returns a top-level attribute or pivot column by name. Empty optional
// attributes report false so callers can fall back to Fields.
func (e *Event) Attr(name string) (string, bool) {
	var v string
	switch name {
	case "id":
		return strconv.FormatInt(e.ID, 10), true
	case "ts":
		return strconv.FormatFloat(e.TS, 'f', -1, 64), true
	case "source":
		return e.Source, true
	case "message":
		return e.Message, true
	case "host":
		v = e.Host
	case "facility":
		v = e.Facility
	case "severity":
		v = e.Severity
	case "log_type":
		v = e.LogType
	case "event_category":
		v = e.EventCategory
	case "event_action":
		v = e.EventAction
	case "event_outcome":
		v = e.EventOutcome
	case "user":
		v = e.User
	case "src_ip":
		v = e.SrcIP
	case "dst_ip":
		v = e.DstIP
	case "src_port":
		v = intString(e.SrcPort)
	case "dst_port":
		v = intString(e.DstPort)
	case "http_method":
		v = e.HTTPMethod
	case "http_path":
		v = e.HTTPPath
	case "http_status":
		v = intString(e.HTTPStatus)
	case "dns_qname":
		v = e.DNSQName
	case "user_agent":
		v = e.UserAgent
	case "ips":
		v = e.IPs
	case "agent_id":
		v = e.AgentID
	default:
		return "", false
	}
	return v, v != ""
}

// Lookup resolves name against top-level attributes first, then Fields.
func (e *Event) Lookup(name string) (string, bool) {
	if v, ok := e.Attr(name); ok {
		return v, true
	}
	if e.Fields == nil {
		return "", false
	}
	raw, ok := e.Fields[name]
	if !ok || raw == nil {
		return "", false
	}
	return ScalarString(raw), true
}

// FirstIP is the anchor IP used for pivots: src_ip, then dst_ip, then the first address seen.
func (e *Event) FirstIP() string {
	if e.SrcIP != "" {
		return e.SrcIP
	}
	if e.DstIP != "" {
		return e.DstIP
	}
	if e.IPs != "" {
		return strings.Split(e.IPs, ",")[0]
	}
	return ""
}

func intString(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func (s *eventsStore) InsertEvent(ctx context.Context, ev *Event) (int64, error) {
	if ev.Fields == nil {
		ev.Fields = map[string]any{}
	}
	ev.DerivePivots()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events(ts, source, host, facility, severity, message, fields, log_type, event_category, event_action, event_outcome, user, src_ip, dst_ip, src_port, dst_port, http_method, http_path, http_status, dns_qname, user_agent, ips, agent_id)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TS, ev.Source, nullString(ev.Host), nullString(ev.Facility), nullString(ev.Severity), ev.Message, jsonText(ev.Fields, "{}"),
		nullString(ev.LogType), nullString(ev.EventCategory), nullString(ev.EventAction), nullString(ev.EventOutcome), nullString(ev.User),
		nullString(ev.SrcIP), nullString(ev.DstIP), nullInt(ev.SrcPort), nullInt(ev.DstPort), nullString(ev.HTTPMethod), nullString(ev.HTTPPath),
		nullInt(ev.HTTPStatus), nullString(ev.DNSQName), nullString(ev.UserAgent), nullString(ev.IPs), nullString(ev.AgentID))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	return id, nil
}

func (s *eventsStore) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func eventFilterClauses(filter EventFilter, prefix string) ([]string, []any) {
	var clauses []string
	var args []any
	if v := strings.TrimSpace(filter.AgentID); v != "" {
		clauses = append(clauses, prefix+"agent_id=?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.IP); v != "" {
		clauses = append(clauses, fmt.Sprintf("(%[1]ssrc_ip=? OR %[1]sdst_ip=? OR ','||COALESCE(%[1]sips,'')||',' LIKE ?)", prefix))
		args = append(args, v, v, "%,"+v+",%")
	}
	return clauses, args
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *eventsStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	clauses, args := eventFilterClauses(filter, "")
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", clampLimit(filter.Limit, 100, 5000))
	return s.queryEvents(ctx, query, args...)
}

func (s *eventsStore) SearchEvents(ctx context.Context, query string, filter EventFilter) ([]Event, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListEvents(ctx, filter)
	}
	limit := clampLimit(filter.Limit, 100, 5000)
	if FTSAvailable(ctx, s.db) {
		clauses, args := eventFilterClauses(filter, "e.")
		clauses = append([]string{"events_fts MATCH ?"}, clauses...)
		args = append([]any{ftsQuery(query)}, args...)
		q := `SELECT ` + prefixedEventColumns("e.") + ` FROM events_fts JOIN events e ON e.id = events_fts.rowid WHERE ` +
			strings.Join(clauses, " AND ") + fmt.Sprintf(" ORDER BY e.id DESC LIMIT %d", limit)
		items, err := s.queryEvents(ctx, q, args...)
		if err == nil && len(items) > 0 {
			return items, nil
		}
	}
	clauses, args := eventFilterClauses(filter, "")
	like := "%" + escapeLike(query) + "%"
	clauses = append([]string{`(message LIKE ? ESCAPE '\' OR host LIKE ? ESCAPE '\' OR source LIKE ? ESCAPE '\')`}, clauses...)
	args = append([]any{like, like, like}, args...)
	q := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)
	return s.queryEvents(ctx, q, args...)
}

func (s *eventsStore) Timeline(ctx context.Context, eventID int64, before, after float64, pivot string, limit int) (*Timeline, error) {
	anchor, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, ErrNotFound
	}
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	tl := &Timeline{Anchor: *anchor, From: anchor.TS - before, To: anchor.TS + after}
	clauses := []string{"ts >= ?", "ts <= ?"}
	args := []any{tl.From, tl.To}
	pivot = strings.ToLower(strings.TrimSpace(pivot))
	if pivot == "" || pivot == "auto" {
		switch {
		case anchor.AgentID != "":
			pivot = "agent"
		case anchor.Host != "":
			pivot = "host"
		case anchor.FirstIP() != "":
			pivot = "ip"
		default:
			pivot = "none"
		}
	}
	switch pivot {
	case "agent":
		tl.PivotValue = anchor.AgentID
		if tl.PivotValue != "" {
			clauses = append(clauses, "agent_id=?")
			args = append(args, tl.PivotValue)
		}
	case "host":
		tl.PivotValue = anchor.Host
		if tl.PivotValue != "" {
			clauses = append(clauses, "host=?")
			args = append(args, tl.PivotValue)
		}
	case "ip":
		tl.PivotValue = anchor.FirstIP()
		if tl.PivotValue != "" {
			ipClauses, ipArgs := eventFilterClauses(EventFilter{IP: tl.PivotValue}, "")
			clauses = append(clauses, ipClauses...)
			args = append(args, ipArgs...)
		}
	default:
		pivot = "none"
	}
	tl.Pivot = pivot
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY ts ASC, id ASC LIMIT %d", clampLimit(limit, 500, 5000))
	items, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	tl.Events = items
	return tl, nil
}

func (s *eventsStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var host, facility, severity sql.NullString
	var fieldsRaw string
	var logType, category, action, outcome, user, srcIP, dstIP sql.NullString
	var srcPort, dstPort, httpStatus sql.NullInt64
	var method, path, qname, ua, ips, agentID sql.NullString
	if err := row.Scan(&ev.ID, &ev.TS, &ev.Source, &host, &facility, &severity, &ev.Message, &fieldsRaw,
		&logType, &category, &action, &outcome, &user, &srcIP, &dstIP, &srcPort, &dstPort,
		&method, &path, &httpStatus, &qname, &ua, &ips, &agentID); err != nil {
		return ev, err
	}
	ev.Host = host.String
	ev.Facility = facility.String
	ev.Severity = severity.String
	ev.Fields = parseJSONMap(fieldsRaw)
	ev.LogType = logType.String
	ev.EventCategory = category.String
	ev.EventAction = action.String
	ev.EventOutcome = outcome.String
	ev.User = user.String
	ev.SrcIP = srcIP.String
	ev.DstIP = dstIP.String
	if srcPort.Valid {
		ev.SrcPort = &srcPort.Int64
	}
	if dstPort.Valid {
		ev.DstPort = &dstPort.Int64
	}
	if httpStatus.Valid {
		ev.HTTPStatus = &httpStatus.Int64
	}
	ev.HTTPMethod = method.String
	ev.HTTPPath = path.String
	ev.DNSQName = qname.String
	ev.UserAgent = ua.String
	ev.IPs = ips.String
	ev.AgentID = agentID.String
	return ev, nil
}

func prefixedEventColumns(prefix string) string {
	cols := strings.Split(eventColumns, ", ")
	for i := range cols {
		cols[i] = prefix + cols[i]
	}
	return strings.Join(cols, ", ")
}

// ftsQuery quotes every token so user input cannot inject FTS5 operators.
func ftsQuery(q string) string {
	parts := strings.Fields(q)
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, " ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
