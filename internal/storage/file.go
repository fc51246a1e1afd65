package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "taskwarden/pkg/logx"
)

// fileTask is the on-disk record. Timestamps are unix millis so the snapshot
// stays compact and timezone-free.
type fileTask struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	ExpiresAt int64  `json:"expires_at"`
}

// fileStore is a dependency-free persistence backend: a MemoryStore whose
// content is written to <path> (JSON array) after every change.
type fileStore struct {
	*MemoryStore
	path string
	log  logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	tasks, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{MemoryStore: NewMemory(tasks...), path: path, log: log}
	fs.onChange = fs.writeSnapshot
	log.Debug("file store opened", logx.String("path", path), logx.Int("tasks", len(tasks)))
	return fs, nil
}

func loadSnapshot(path string) ([]Task, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var recs []fileTask
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", path)
	}
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		if r.ID == "" || !r.Status.Valid() {
			continue
		}
		out = append(out, Task{ID: r.ID, Status: r.Status, ExpiresAt: time.UnixMilli(r.ExpiresAt)})
	}
	return out, nil
}

// writeSnapshot replaces the snapshot via tmp file + rename. Called with the
// MemoryStore lock held.
func (s *fileStore) writeSnapshot(tasks map[string]Task) error {
	recs := make([]fileTask, 0, len(tasks))
	for _, t := range tasks {
		recs = append(recs, fileTask{ID: t.ID, Status: t.Status, ExpiresAt: t.ExpiresAt.UnixMilli()})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "open snapshot tmp")
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close snapshot tmp")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace snapshot")
}
