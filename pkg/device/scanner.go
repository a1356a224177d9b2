package device

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NodeInfo describes an edgetpu character device found on the host
type NodeInfo struct {
	Path  string
	Name  string
	Sysfs string
}

// Attr reads one sysfs attribute of the node, trimmed
func (n NodeInfo) Attr(name string) (string, error) {
	if n.Sysfs == "" {
		return "", os.ErrNotExist
	}
	b, err := os.ReadFile(filepath.Join(n.Sysfs, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Scanner finds edgetpu nodes
type Scanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a scanner over the standard sysfs class and /dev
func NewScanner() *Scanner {
	return &Scanner{
		sysfsPath: "/sys/class/edgetpu",
		devPath:   "/dev",
	}
}

// Scan lists the nodes registered in the edgetpu class. When the class is
// missing it falls back to /dev/edgetpu* names.
func (s *Scanner) Scan() ([]NodeInfo, error) {
	var nodes []NodeInfo

	entries, err := os.ReadDir(s.sysfsPath)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			devPath := filepath.Join(s.devPath, name)
			if _, err := os.Stat(devPath); err == nil {
				nodes = append(nodes, NodeInfo{
					Path:  devPath,
					Name:  name,
					Sysfs: filepath.Join(s.sysfsPath, name),
				})
			}
		}
	}

	if len(nodes) == 0 {
		matches, err := filepath.Glob(filepath.Join(s.devPath, "edgetpu*"))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			if name := filepath.Base(path); isNodeName(name) {
				nodes = append(nodes, NodeInfo{Path: path, Name: name})
			}
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// Scan uses the default scanner
func Scan() ([]NodeInfo, error) {
	return NewScanner().Scan()
}

// isNodeName reports whether name is an edgetpu node name
func isNodeName(name string) bool {
	return strings.HasPrefix(name, "edgetpu") && len(name) > len("edgetpu")
}
