// Package fsutil owns the on-disk task layout:
//
//	<root>/<task_id>/files/<name>          downloaded artifacts
//	<root>/<task_id>/files/<name>.part     sidecar, present while writing
//	<root>/<task_id>/metadata.json         task snapshot
//	<root>/<task_id>/logs.json             JSON log lines, append-only
package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// CtrlSuffix marks a file still being written. The progress monitor treats
// an artifact as complete only once this sidecar is gone.
const CtrlSuffix = ".part"

const maxFilenameLength = 255

var reservedNames = map[string]struct{}{
	".": {}, "..": {}, "CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

var ErrUnsafeName = errors.New("fsutil: unsafe filename")

// ValidateName rejects filenames that could escape the task directory or
// break the filesystem: path separators, traversal, NUL, control chars,
// reserved device names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeName)
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("%w: too long", ErrUnsafeName)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: path separator or NUL in %q", ErrUnsafeName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: traversal in %q", ErrUnsafeName, name)
	}
	for _, c := range name {
		if c < 32 {
			return fmt.Errorf("%w: control character in %q", ErrUnsafeName, name)
		}
	}
	if _, bad := reservedNames[strings.ToUpper(name)]; bad {
		return fmt.Errorf("%w: reserved name %q", ErrUnsafeName, name)
	}
	return nil
}

// SafeName returns a usable filename, substituting a fallback when the
// provider-supplied one fails validation.
func SafeName(name string, index int) string {
	if err := ValidateName(name); err != nil {
		return fmt.Sprintf("file_%d", index)
	}
	return name
}

// EnsureTaskDirs creates the per-task directory skeleton and seeds the
// metadata and log files. Returns (base, files) paths.
func EnsureTaskDirs(root, taskID string) (string, string, error) {
	base := filepath.Join(root, taskID)
	files := filepath.Join(base, "files")
	if err := os.MkdirAll(files, 0o755); err != nil {
		return "", "", fmt.Errorf("fsutil: create task dirs: %w", err)
	}
	for _, name := range []string{"metadata.json", "logs.json"} {
		p := filepath.Join(base, name)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
				return "", "", fmt.Errorf("fsutil: seed %s: %w", name, err)
			}
		}
	}
	return base, files, nil
}

// DiskFree returns available bytes on the volume holding path.
func DiskFree(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("fsutil: disk usage %s: %w", path, err)
	}
	return int64(usage.Free), nil
}

// DirWritable probes that dir exists and accepts writes.
func DirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("x"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

// AppendLog writes one JSON object per line to the task's logs.json.
// A ts field is added when absent.
func AppendLog(base string, entry map[string]interface{}) error {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("fsutil: marshal log entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(base, "logs.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsutil: open logs.json: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// WriteMetadata overwrites the task's metadata.json.
func WriteMetadata(base string, data map[string]interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("fsutil: marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(base, "metadata.json"), append(out, '\n'), 0o644)
}

// CtrlPath returns the sidecar control path for an artifact path.
func CtrlPath(artifact string) string {
	return artifact + CtrlSuffix
}

// OnDiskSize reports the observed byte count for an in-flight artifact:
// the final output if present, else zero.
func OnDiskSize(artifact string) int64 {
	if fi, err := os.Stat(artifact); err == nil {
		return fi.Size()
	}
	return 0
}
