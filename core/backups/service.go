package backups

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"berkut-siem/config"
	"berkut-siem/core/store"
	"berkut-siem/core/utils"
)

const (
	filePrefix     = "siem_"
	manifestSuffix = ".json"
	systemActor    = "system"
)

// Artifact describes one snapshot file. Its manifest is stored next to it.
type Artifact struct {
	Filename   string           `json:"filename"`
	SizeBytes  int64            `json:"size_bytes"`
	Checksum   string           `json:"checksum"`
	Compressed bool             `json:"compressed"`
	Label      string           `json:"label,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Counts     map[string]int64 `json:"counts,omitempty"`
}

type Service struct {
	cfg    config.BackupsConfig
	db     *sql.DB
	stats  store.StatsStore
	audits store.AuditStore
	logger *utils.Logger
	now    func() time.Time

	opMu   sync.Mutex
	opName string
}

func NewService(cfg config.BackupsConfig, db *sql.DB, stats store.StatsStore, audits store.AuditStore, logger *utils.Logger) *Service {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "data/backups"
	}
	return &Service{cfg: cfg, db: db, stats: stats, audits: audits, logger: logger, now: time.Now}
}

// CreateBackup writes a consistent copy of the live database with VACUUM INTO,
// optionally zstd-compressed, then applies retention. Only one backup or delete
// runs at a time.
func (s *Service) CreateBackup(ctx context.Context, label, actor string) (*Artifact, error) {
	if actor = strings.TrimSpace(actor); actor == "" {
		actor = systemActor
	}
	if err := s.beginPipeline("backup"); err != nil {
		return nil, err
	}
	defer s.endPipeline("backup")

	art, err := s.snapshot(ctx, label)
	if err != nil {
		Log(s.audits, ctx, actor, AuditCreateFailed, "failed", "")
		s.logger.Errorf("backups: snapshot failed: %v", err)
		return nil, err
	}
	Log(s.audits, ctx, actor, AuditCreateBackup, "success", fmt.Sprintf("file=%s size=%d", art.Filename, art.SizeBytes))
	s.logger.Printf("backups: wrote %s (%d bytes)", art.Filename, art.SizeBytes)
	s.applyRetention(ctx, actor)
	return art, nil
}

func (s *Service) snapshot(ctx context.Context, label string) (*Artifact, error) {
	if err := os.MkdirAll(s.cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	now := s.now().UTC()
	label = sanitizeFilenameToken(label)
	name := buildBackupFilename(label, now)
	tmpPath := filepath.Join(s.cfg.Path, ".tmp-"+name)
	_ = os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	// The target path is inlined as a quoted SQL literal.
	quoted := "'" + strings.ReplaceAll(tmpPath, "'", "''") + "'"
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return nil, fmt.Errorf("vacuum into: %w", err)
	}

	finalName := name
	if s.cfg.Compress {
		finalName += ".zst"
		if err := compressFile(tmpPath, filepath.Join(s.cfg.Path, finalName)); err != nil {
			return nil, err
		}
	} else if err := os.Rename(tmpPath, filepath.Join(s.cfg.Path, finalName)); err != nil {
		return nil, fmt.Errorf("move snapshot: %w", err)
	}

	checksum, size, err := fileSHA256(filepath.Join(s.cfg.Path, finalName))
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}
	art := &Artifact{
		Filename:   finalName,
		SizeBytes:  size,
		Checksum:   checksum,
		Compressed: s.cfg.Compress,
		Label:      label,
		CreatedAt:  now,
	}
	if s.stats != nil {
		if counts, err := s.stats.TableCounts(ctx); err == nil {
			art.Counts = counts
		}
	}
	raw, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.cfg.Path, finalName+manifestSuffix), raw, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return art, nil
}

// ListArtifacts returns snapshots newest first. Files without a readable
// manifest are skipped.
func (s *Service) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Artifact{}, nil
		}
		return nil, err
	}
	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.cfg.Path, name))
		if err != nil {
			continue
		}
		var art Artifact
		if err := json.Unmarshal(raw, &art); err != nil || art.Filename == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.cfg.Path, art.Filename)); err != nil {
			continue
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Filename > out[j].Filename
	})
	return out, nil
}

func (s *Service) DeleteBackup(ctx context.Context, filename, actor string) error {
	if err := s.beginPipeline("delete"); err != nil {
		return err
	}
	defer s.endPipeline("delete")
	path, ok := s.cleanStoragePath(filename)
	if !ok {
		return utils.Validation("invalid backup name %q", filename)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return utils.NotFound("backup %s", filename)
		}
		return err
	}
	if err := removeArtifact(path); err != nil {
		return err
	}
	Log(s.audits, ctx, actor, AuditDeleteBackup, "success", "file="+filepath.Base(path))
	return nil
}

// RunScheduled is the cron entry point.
func (s *Service) RunScheduled(ctx context.Context) error {
	_, err := s.CreateBackup(ctx, "auto", systemActor)
	return err
}

func (s *Service) applyRetention(ctx context.Context, actor string) {
	if s.cfg.Keep <= 0 {
		return
	}
	items, err := s.ListArtifacts(ctx)
	if err != nil || len(items) <= s.cfg.Keep {
		return
	}
	for _, art := range items[s.cfg.Keep:] {
		if err := removeArtifact(filepath.Join(s.cfg.Path, art.Filename)); err != nil {
			s.logger.Errorf("backups: retention remove %s: %v", art.Filename, err)
			continue
		}
		Log(s.audits, ctx, actor, AuditRetentionDeleted, "success", "file="+art.Filename)
	}
}

// cleanStoragePath resolves a bare snapshot file name inside the backup dir.
func (s *Service) cleanStoragePath(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if name == "" || name != filepath.Base(name) || !strings.HasPrefix(name, filePrefix) || strings.HasSuffix(name, manifestSuffix) {
		return "", false
	}
	return filepath.Join(filepath.Clean(s.cfg.Path), name), true
}

func (s *Service) beginPipeline(name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.opName != "" {
		return utils.Conflict("backup operation %s already running", s.opName)
	}
	s.opName = name
	return nil
}

func (s *Service) endPipeline(name string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.opName == name {
		s.opName = ""
	}
}

func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + manifestSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return out.Close()
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func buildBackupFilename(label string, now time.Time) string {
	ts := now.UTC().Format("2006-01-02_15-04-05.000")
	if label == "" {
		return filePrefix + ts + ".db"
	}
	return filePrefix + label + "_" + ts + ".db"
}

func sanitizeFilenameToken(in string) string {
	v := strings.TrimSpace(in)
	if v == "" {
		return ""
	}
	v = strings.ToLower(v)
	replacer := strings.NewReplacer(
		" ", "_",
		"/", "_",
		"\\", "_",
		":", "_",
		";", "_",
		",", "_",
		"\"", "",
		"'", "",
		".", "_",
	)
	v = replacer.Replace(v)
	for strings.Contains(v, "__") {
		v = strings.ReplaceAll(v, "__", "_")
	}
	return strings.Trim(v, "_")
}
