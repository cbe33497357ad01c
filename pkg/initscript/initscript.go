// Package initscript runs the declared init scripts before the workload and
// auxiliary services start, per spec.md §4.H.
package initscript

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/sirupsen/logrus"
)

// shellPath is the minimal shell binary every easyto image ships, per the
// on-disk layout in spec.md §6. Variable (rather than const) so tests can
// point it at a stand-in shell.
var shellPath = "/.easyto/bin/sh"

// Run executes each script in scripts, in order, under shellPath with env
// and workingDir. A non-zero exit from any script is fatal; scripts run
// before the workload and before auxiliary services.
func Run(ctx context.Context, scripts []string, env []string, workingDir string, log *logrus.Entry) error {
	for _, script := range scripts {
		log.WithField("script", script).Info("running init script")

		cmd := exec.CommandContext(ctx, shellPath, script)
		cmd.Env = env
		cmd.Dir = workingDir
		cmd.Stdout = logWriter{log, "stdout"}
		cmd.Stderr = logWriter{log, "stderr"}

		if err := cmd.Run(); err != nil {
			return ezerrors.Supervisor("initscript", fmt.Sprintf("script %s exited non-zero", script), err)
		}
	}
	return nil
}

// logWriter forwards a script's stdout/stderr lines to the structured
// logger instead of the supervisor's own standard streams.
type logWriter struct {
	log    *logrus.Entry
	stream string
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.WithField("stream", w.stream).Debug(string(p))
	return len(p), nil
}
