package firewall

import (
	"bytes"
	"os"
)

// sysctlWriter sets kernel parameters under /proc/sys.
type sysctlWriter interface {
	Get(path string) (string, error)
	Set(path, value string) error
}

type procSysctl struct{}

func (procSysctl) Get(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(b)), nil
}

func (procSysctl) Set(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

// enableSysctl sets path to "1" unless it already is. created reports
// whether a write happened.
func enableSysctl(s sysctlWriter, path string) (created bool, err error) {
	if v, err := s.Get(path); err == nil && v == "1" {
		return false, nil
	}
	if err := s.Set(path, "1"); err != nil {
		return false, err
	}
	return true, nil
}
