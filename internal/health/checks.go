package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credential fails while key is empty. A missing credential does not stop
// the server, but no session can connect.
func Credential(key string) Checker {
	return Checker{
		Name: "credential",
		Check: func(context.Context) error {
			if key == "" {
				return errors.New("no API key configured")
			}
			return nil
		},
	}
}

// WritableDir fails unless dir exists and accepts new files.
func WritableDir(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			f, err := os.CreateTemp(dir, ".probe-*")
			if err != nil {
				return err
			}
			probe := f.Name()
			_ = f.Close()
			return os.Remove(filepath.Clean(probe))
		},
	}
}

// Func wraps a plain probe, e.g. an audio device lookup.
func Func(name string, probe func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: probe}
}
