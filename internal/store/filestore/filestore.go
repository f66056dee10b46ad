// Package filestore 把记录集保存为单个人类可读的 JSON 文件，写入时先写临时文件再原子替换。
package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recordSetSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["status", "timestamp"],
    "properties": {
      "id": {"type": "string"},
      "status": {"enum": ["pending", "confirmed", "declined"]},
      "timestamp": {"type": "string"},
      "resolved_at": {"type": ["string", "null"]},
      "reason": {"type": "string"},
      "payload": {"type": "object"},
      "message": {
        "type": ["object", "null"],
        "properties": {
          "chat_id": {"type": "string"},
          "message_id": {"type": "integer"}
        }
      }
    }
  }
}`

// Backend 是基于 JSON 文件的 store.Backend 实现，版本号为文件内容的 sha256。
type Backend struct {
	path   string
	schema *jsonschema.Schema
}

// New 创建文件后端并确保父目录存在。
func New(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("filestore path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Backend{path: path, schema: schema}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("confirmations.json", strings.NewReader(recordSetSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("confirmations.json")
}

// Path 返回记录文件路径。
func (b *Backend) Path() string { return b.path }

func (b *Backend) Load(_ context.Context) (store.Snapshot, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return store.Snapshot{Records: map[string]confirm.Record{}}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read %s: %w", b.path, err)
	}
	records, err := b.decode(raw)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return store.Snapshot{Version: fingerprint(raw), Records: records}, nil
}

func (b *Backend) decode(raw []byte) (map[string]confirm.Record, error) {
	records := make(map[string]confirm.Record)
	if len(bytes.TrimSpace(raw)) == 0 {
		return records, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := b.schema.Validate(doc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	for id, rec := range records {
		if rec.ID == "" {
			rec.ID = id
			records[id] = rec
		}
	}
	return records, nil
}

// Save 写入临时文件、fsync，然后在确认磁盘版本未变后 rename 覆盖目标文件。
func (b *Backend) Save(_ context.Context, records map[string]confirm.Record, expected string) (string, error) {
	if records == nil {
		records = map[string]confirm.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	data = append(data, '\n')
	if err := b.checkVersion(expected); err != nil {
		return "", err
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := b.checkVersion(expected); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return "", fmt.Errorf("replace %s: %w", b.path, err)
	}
	return fingerprint(data), nil
}

func (b *Backend) checkVersion(expected string) error {
	raw, err := os.ReadFile(b.path)
	current := ""
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read %s: %w", b.path, err)
	default:
		current = fingerprint(raw)
	}
	if current != expected {
		return store.ErrConflict
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func fingerprint(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
