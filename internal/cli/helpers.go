package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tutu-network/ziggurat/internal/daemon"
	"github.com/tutu-network/ziggurat/internal/domain"
)

// openDaemon loads the config (from --config when given) and wires a daemon.
func openDaemon() (*daemon.Daemon, error) {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	cfg, err := daemon.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return daemon.NewWithConfig(cfg, rootCmd.Version)
}

// readTask decodes one task from path, or stdin when path is "-".
func readTask(path string, stdin io.Reader) (domain.Task, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return domain.Task{}, err
		}
		defer f.Close()
		r = f
	}

	var task domain.Task
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b *bool) string {
	switch {
	case b == nil:
		return "pending"
	case *b:
		return "yes"
	default:
		return "no"
	}
}
